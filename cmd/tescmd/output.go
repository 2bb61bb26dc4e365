package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// envelope is the {ok, command, data|error, timestamp} shape every
// subcommand's --format json output uses, matching the envelope the
// ToolServer surface also returns for parity between direct CLI use and
// tool invocation.
type envelope struct {
	OK        bool      `json:"ok"`
	Command   string    `json:"command"`
	Data      any       `json:"data,omitempty"`
	Error     *errField `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type errField struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeResult renders a subcommand's outcome either as the JSON envelope
// (format=="json") or as a plain text line, to w. It always returns err
// unchanged so the caller's RunE still propagates it to exitCodeFor,
// regardless of output format.
func writeResult(w io.Writer, format, command string, data any, err error) error {
	if format != "json" {
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return err
		}
		fmt.Fprintf(w, "%v\n", data)
		return nil
	}

	env := envelope{Command: command, Timestamp: time.Now()}
	if err != nil {
		env.OK = false
		env.Error = &errField{Code: "error", Message: err.Error()}
	} else {
		env.OK = true
		env.Data = data
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(env); encErr != nil {
		return encErr
	}
	return err
}
