// Package logging provides structured logging for crucible workflows.
//
// It wraps log/slog with a JSON handler and adds persistent context
// attributes so every line emitted while executing a task can be traced
// back to its workflow and phase.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(".crucible", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	wfLog := logger.WithWorkflow("wf-123").WithPhase("execution")
//	wfLog.WithTask("task-2").Info("task completed", "attempts", 2)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task completed","workflow_id":"wf-123","phase":"execution","task_id":"task-2","attempts":2}
//
// Child loggers created via With* share the underlying writer and are safe
// for concurrent use. Use [NopLogger] in tests or when logging is disabled.
package logging
