package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/scoring"
)

// Reconciler moves cached answers into the durable response store, scoring
// each one on the way. Conflicts are resolved by client timestamp: an answer
// replaces a stored one only when strictly newer.
type Reconciler struct {
	responses ResponseStore
	log       zerolog.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(responses ResponseStore, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		responses: responses,
		log:       log.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile applies answers to the session's durable responses. Per-answer
// failures are reported in the result and never abort the rest of the batch.
// The returned error is non-nil only when the batch could not be attempted.
func (r *Reconciler) Reconcile(ctx context.Context, session *model.ExamSession, answers []model.CachedAnswer, questions []model.Question) (*model.ReconcileResult, error) {
	result := &model.ReconcileResult{Errors: []model.ReconcileError{}}

	byID := make(map[uuid.UUID]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	// Newest answer per question wins inside the batch.
	latest := make(map[uuid.UUID]model.CachedAnswer, len(answers))
	order := make([]uuid.UUID, 0, len(answers))
	for _, a := range answers {
		if _, ok := byID[a.QuestionID]; !ok {
			result.Failed++
			result.Errors = append(result.Errors, model.ReconcileError{
				QuestionID: a.QuestionID,
				Error:      "question does not belong to this exam",
			})
			continue
		}
		cur, seen := latest[a.QuestionID]
		switch {
		case !seen:
			order = append(order, a.QuestionID)
			latest[a.QuestionID] = a
		case a.ClientTimestamp.After(cur.ClientTimestamp):
			latest[a.QuestionID] = a
			result.Duplicates++
		default:
			result.Duplicates++
		}
	}

	if len(order) == 0 {
		result.Success = result.Failed == 0
		return result, nil
	}

	existing, err := r.responses.ListByQuestions(ctx, session.ID, order)
	if err != nil {
		return nil, unavailable("load existing responses", err)
	}
	stored := make(map[uuid.UUID]model.QuestionResponse, len(existing))
	for _, e := range existing {
		stored[e.QuestionID] = e
	}

	var inserts, updates []model.QuestionResponse
	for _, qID := range order {
		a := latest[qID]
		prev, exists := stored[qID]
		if exists && !a.ClientTimestamp.After(prev.AnsweredAt) {
			result.Duplicates++
			continue
		}

		scored := scoring.Evaluate(byID[qID], a.Response)
		if scored.Error != "" {
			r.log.Warn().
				Str("session_id", session.ID.String()).
				Str("question_id", qID.String()).
				Str("error", scored.Error).
				Msg("Answer evaluation error, scored as incorrect")
		}

		row := model.QuestionResponse{
			ID:           uuid.New(),
			SessionID:    session.ID,
			QuestionID:   qID,
			UserID:       session.UserID,
			Response:     a.Response,
			IsCorrect:    scored.IsCorrect,
			PointsEarned: scored.PointsEarned,
			AnsweredAt:   a.ClientTimestamp,
		}
		if exists {
			row.ID = prev.ID
			updates = append(updates, row)
		} else {
			inserts = append(inserts, row)
		}
	}

	r.applyInserts(ctx, inserts, result)
	r.applyUpdates(ctx, updates, result)

	result.Success = result.Failed == 0
	if !result.Success {
		r.log.Warn().
			Str("session_id", session.ID.String()).
			Int("processed", result.Processed).
			Int("failed", result.Failed).
			Int("duplicates", result.Duplicates).
			Msg("Reconciliation finished with failures")
	}
	return result, nil
}

func (r *Reconciler) applyInserts(ctx context.Context, rows []model.QuestionResponse, result *model.ReconcileResult) {
	if len(rows) == 0 {
		return
	}

	n, err := r.responses.BulkInsert(ctx, rows)
	if err == nil {
		// Rows skipped by ON CONFLICT were written by a concurrent reconcile.
		result.Processed += int(n)
		result.Duplicates += len(rows) - int(n)
		return
	}

	r.log.Warn().Err(err).Int("rows", len(rows)).Msg("Bulk insert failed, falling back to single inserts")
	for i := range rows {
		inserted, err := r.responses.Insert(ctx, &rows[i])
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, model.ReconcileError{
				QuestionID: rows[i].QuestionID,
				Error:      fmt.Sprintf("insert: %v", err),
			})
		case inserted:
			result.Processed++
		default:
			result.Duplicates++
		}
	}
}

func (r *Reconciler) applyUpdates(ctx context.Context, rows []model.QuestionResponse, result *model.ReconcileResult) {
	for i := range rows {
		updated, err := r.responses.Update(ctx, &rows[i])
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, model.ReconcileError{
				QuestionID: rows[i].QuestionID,
				Error:      fmt.Sprintf("update: %v", err),
			})
		case updated:
			result.Processed++
		default:
			// A newer answer landed in between.
			result.Duplicates++
		}
	}
}

// mergeAnswers combines answer sources, keeping the newest per question.
func mergeAnswers(sources ...[]model.CachedAnswer) []model.CachedAnswer {
	latest := make(map[uuid.UUID]model.CachedAnswer)
	var order []uuid.UUID
	for _, src := range sources {
		for _, a := range src {
			cur, ok := latest[a.QuestionID]
			if !ok {
				order = append(order, a.QuestionID)
			}
			if !ok || a.ClientTimestamp.After(cur.ClientTimestamp) {
				latest[a.QuestionID] = a
			}
		}
	}

	out := make([]model.CachedAnswer, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

func cachedList(m map[uuid.UUID]model.CachedAnswer) []model.CachedAnswer {
	out := make([]model.CachedAnswer, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out
}

// scoringAnswers overlays answers on the persisted responses wherever the
// answer is newer, so a failed write never loses an answer from the score.
func scoringAnswers(persisted []model.QuestionResponse, answers []model.CachedAnswer) []scoring.Answer {
	type entry struct {
		resp []byte
		at   time.Time
	}
	byQuestion := make(map[uuid.UUID]entry, len(persisted)+len(answers))
	for _, p := range persisted {
		byQuestion[p.QuestionID] = entry{resp: p.Response, at: p.AnsweredAt}
	}
	for _, a := range answers {
		if cur, ok := byQuestion[a.QuestionID]; ok && !a.ClientTimestamp.After(cur.at) {
			continue
		}
		byQuestion[a.QuestionID] = entry{resp: a.Response, at: a.ClientTimestamp}
	}

	out := make([]scoring.Answer, 0, len(byQuestion))
	for id, e := range byQuestion {
		out = append(out, scoring.Answer{QuestionID: id, Response: e.resp})
	}
	return out
}
