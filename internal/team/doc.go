// Package team composes the agent team that runs a workflow.
//
// # Composition
//
// [Composer.Compose] turns a [plan.Analysis] into a [Definition] in six steps:
//
//   - A template is recommended from the complexity band, then overridden by
//     the task type and by detected security requirements.
//   - The template's fixed roster is instantiated.
//   - Specialists (designer, security, architect, documentation) are added
//     when keyword signals call for a capability the roster lacks.
//   - [BalanceTeam] applies constraints: excluded agent types, a model tier
//     cap, and a member count clamp that always keeps a builder.
//   - [Optimize] removes redundant members from large teams, downgrades
//     validators for simple tasks and sets parallelism.
//   - [Score] rates the result between 0 and 1.
//
// # Assignment
//
// A Definition is read-mostly after composition. [Definition.Assign] and
// [Definition.Release] return updated copies and enforce each member's
// concurrency cap.
package team
