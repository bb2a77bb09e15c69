// Package event provides a pub-sub event bus for workflow lifecycle
// notifications in crucible.
//
// The engine publishes events as it schedules and verifies tasks; the
// reporter subscribes to build an execution event log. Neither side knows
// about the other.
//
// # Main Types
//
//   - [Event]: Interface that all events implement (EventType, Timestamp, Subject, Describe)
//   - [Bus]: Synchronous pub-sub dispatcher, safe for concurrent use
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Types
//
// Event types follow the pattern "category.action":
//   - workflow.created, workflow.started, workflow.paused, workflow.resumed,
//     workflow.completed, workflow.failed
//   - task.assigned, task.started, task.validating, task.completed,
//     task.retrying, task.escalated, task.failed, task.unblocked
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//
//	bus.Subscribe(event.TypeTaskFailed, func(e event.Event) {
//	    failed := e.(event.TaskFailedEvent)
//	    fmt.Println(failed.TaskID, failed.Reason)
//	})
//
//	id := bus.SubscribeAll(func(e event.Event) {
//	    fmt.Println(e.Describe())
//	})
//	defer bus.Unsubscribe(id)
//
// Handlers are called synchronously on the publisher's goroutine. A
// panicking handler is recovered and logged so it cannot block delivery to
// other handlers.
package event
