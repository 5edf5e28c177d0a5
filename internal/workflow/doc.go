// Package workflow is the DAG definition model: DAGs, their operators and the
// registry the host schedules from.
//
// Definitions are plain values built at start-up:
//
//	dag, err := workflow.New("my_dag", workflow.Options{
//		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
//		Schedule:  "@daily",
//	})
//	err = dag.Add(workflow.Func("print_hello", printHello))
package workflow
