// Package project1 defines my_dag, a daily placeholder workflow with a
// single print_hello task.
package project1

import (
	"fmt"
	"io"
	"os"
	"time"

	"dagd/internal/workflow"
)

const (
	DagID  = "my_dag"
	TaskID = "print_hello"
)

var out io.Writer = os.Stdout

func printHello() {
	fmt.Fprintln(out, "Hello from Airflow!")
}

// New builds my_dag. It panics only if the static definition is invalid.
func New() *workflow.DAG {
	dag, err := workflow.New(DagID, workflow.Options{
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Schedule:  "@daily",
		Catchup:   false,
	})
	if err != nil {
		panic(err)
	}
	if err := dag.Add(workflow.Func(TaskID, printHello)); err != nil {
		panic(err)
	}
	return dag
}
