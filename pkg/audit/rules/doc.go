// Package rules classifies HTTP requests that carry no explicit audit
// metadata. Mapping rules come from a Source (YAML file or the
// audit_operation_mappings table), are compiled into an immutable snapshot
// and swapped atomically on reload. A Scheduler refreshes the engine and the
// diff dictionary on a cron interval.
//
//	engine := rules.NewEngine(rules.NewSQLSource(db, store.Postgres))
//	sched := rules.NewScheduler(time.Minute, logger, metrics)
//	sched.Add(engine)
//	sched.Add(dictionaries)
//	sched.Start(ctx)
//
//	desc := engine.ResolveWithFallback(rules.Event{Method: "PUT", Path: "/api/users/7", Status: 200})
package rules
