package config

type WorkerKeyStruct struct {
	PersistAnswersQueue        string
	PersistSecurityEventsQueue string
	ReconcileRetryQueue        string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:        "persist_answers_queue",
	PersistSecurityEventsQueue: "persist_security_events_queue",
	ReconcileRetryQueue:        "reconcile_retry_queue",
}
