package project1

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestDefinition(t *testing.T) {
	dag := New()
	if dag.ID != "my_dag" {
		t.Fatalf("ID = %s", dag.ID)
	}
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); !dag.StartDate.Equal(want) {
		t.Fatalf("StartDate = %s", dag.StartDate)
	}
	if dag.Schedule != "@daily" || dag.Catchup {
		t.Fatalf("Schedule = %q Catchup = %v", dag.Schedule, dag.Catchup)
	}
	ids := dag.TaskIDs()
	if len(ids) != 1 || ids[0] != "print_hello" {
		t.Fatalf("tasks = %v", ids)
	}
	tt, err := dag.Timetable(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if next := tt.Next(dag.StartDate); !next.Equal(dag.StartDate.Add(24 * time.Hour)) {
		t.Fatalf("next logical date = %s", next)
	}
}

func TestPrintHello(t *testing.T) {
	var buf bytes.Buffer
	prev := out
	out = &buf
	defer func() { out = prev }()

	op, ok := New().Task(TaskID)
	if !ok {
		t.Fatal("print_hello missing")
	}
	if err := op.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "Hello from Airflow!\n" {
		t.Fatalf("output = %q", got)
	}
}
