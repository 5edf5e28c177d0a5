package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to a log event. When a key repeats, the last one wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err records err under "err". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Keys shared across components, so one run can be followed through the
// scheduler, runner and engine logs.
const (
	KeyComp  = "comp"
	KeyDag   = "dag"
	KeyRunID = "run_id"
	KeyTask  = "task"
)

func Comp(name string) Field { return String(KeyComp, name) }
func Dag(id string) Field    { return String(KeyDag, id) }
func RunID(id string) Field  { return String(KeyRunID, id) }
func Task(id string) Field   { return String(KeyTask, id) }
