package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the hash holding a session's in-flight answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionAnswerTimestampsKey returns the hash holding client timestamps per answered question
func (r *CacheKeyStruct) SessionAnswerTimestampsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answer_ts", sessionID)
}

// SessionMetaKey returns the hash holding a session's exam, time limit, start time and status
func (r *CacheKeyStruct) SessionMetaKey(sessionID string) string {
	return fmt.Sprintf("session:%s:meta", sessionID)
}

// RateLimitWindowKey returns the sorted set of hits for a limiter key
func (r *CacheKeyStruct) RateLimitWindowKey(key string) string {
	return fmt.Sprintf("ratelimit:%s:window", key)
}

// RateLimitBlockKey returns the key marking a limiter key as blocked
func (r *CacheKeyStruct) RateLimitBlockKey(key string) string {
	return fmt.Sprintf("ratelimit:%s:blocked", key)
}

// SecurityEventsKey returns the capped list of all recent security events
func (r *CacheKeyStruct) SecurityEventsKey() string {
	return "security:events"
}

// SessionSecurityEventsKey returns the capped list of security events for one session
func (r *CacheKeyStruct) SessionSecurityEventsKey(sessionID string) string {
	return fmt.Sprintf("security:session:%s:events", sessionID)
}

// ExamSecurityChannel returns the Redis PubSub channel name for an exam's live security feed
func (r *CacheKeyStruct) ExamSecurityChannel(examID string) string {
	return fmt.Sprintf("exam:%s:security", examID)
}

var CacheKey = NewCacheKeyStruct()
