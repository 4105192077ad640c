package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/singleflight"
)

// questionSet is an exam's questions in display order, indexed by id.
type questionSet struct {
	list []model.Question
	byID map[uuid.UUID]model.Question
}

type questionEntry struct {
	set      *questionSet
	loadedAt time.Time
}

// questionCache keeps recently used exam definitions in process. Questions
// are immutable once an exam is published, so a short TTL is enough.
type questionCache struct {
	exams ExamReader
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[uuid.UUID]questionEntry
	loads   singleflight.Group
}

func newQuestionCache(exams ExamReader, ttl time.Duration) *questionCache {
	return &questionCache{
		exams:   exams,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]questionEntry),
	}
}

func (c *questionCache) get(ctx context.Context, examID uuid.UUID) (*questionSet, error) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[examID]
	c.mu.RUnlock()
	if ok && now.Sub(e.loadedAt) < c.ttl {
		return e.set, nil
	}

	v, err, _ := c.loads.Do(examID.String(), func() (interface{}, error) {
		questions, err := c.exams.ListQuestions(ctx, examID)
		if err != nil {
			return nil, err
		}
		set := &questionSet{list: questions, byID: make(map[uuid.UUID]model.Question, len(questions))}
		for _, q := range questions {
			set.byID[q.ID] = q
		}

		c.mu.Lock()
		for id, old := range c.entries {
			if now.Sub(old.loadedAt) >= c.ttl {
				delete(c.entries, id)
			}
		}
		c.entries[examID] = questionEntry{set: set, loadedAt: now}
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*questionSet), nil
}
