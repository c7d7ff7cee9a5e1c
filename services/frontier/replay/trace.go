// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replay feeds a recorded trace of frontier states through the
// scheduling core: an explorer stage registers each state in the tree and
// hands it to the buffer, and a generator stage consumes the buffer and
// feeds coverage and solver verdicts back into it.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/AleutianAI/frontier/services/frontier/datatypes"
)

// ErrMalformedRecord is returned by Decode for a line that is not a valid
// record.
var ErrMalformedRecord = errors.New("replay: malformed record")

// maxLineSize bounds a single trace line.
const maxLineSize = 4 * 1024 * 1024

// Record is one frontier state in a trace.
//
// A trace is JSON lines. Blank lines and lines starting with '#' are
// skipped.
type Record struct {
	// ID labels the state in logs. Decode assigns the line number when
	// empty.
	ID string `json:"id,omitempty"`

	// Entry is the entry point signature.
	Entry string `json:"entry"`

	// Clauses is the path condition, root first.
	Clauses []string `json:"clauses"`

	// Covered lists the branches a test for this state covers.
	Covered []string `json:"covered,omitempty"`

	// Neighbors lists the uncovered branches adjacent to the state.
	Neighbors []string `json:"neighbors,omitempty"`

	// Solved is the solver verdict: true when a model was found.
	Solved bool `json:"solved"`
}

// Path returns the record's path condition.
func (r Record) Path() datatypes.PathCondition {
	path := make(datatypes.PathCondition, len(r.Clauses))
	for i, c := range r.Clauses {
		path[i] = datatypes.Clause(c)
	}
	return path
}

// Item wraps the record as a schedulable item carrying the record as its
// payload.
func (r Record) Item() *datatypes.Item {
	return &datatypes.Item{ID: r.ID, Entry: r.Entry, Path: r.Path(), Payload: r}
}

func (r Record) validate() error {
	if r.Entry == "" {
		return errors.New("missing entry")
	}
	if len(r.Clauses) == 0 {
		return errors.New("empty clauses")
	}
	return nil
}

// Decode reads a JSON lines trace.
//
// Outputs:
//
//	[]Record - The records in file order.
//	error - ErrMalformedRecord with the line number for a bad line, or the
//	read error.
func Decode(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, lineNo, err)
		}
		if err := rec.validate(); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, lineNo, err)
		}
		if rec.ID == "" {
			rec.ID = strconv.Itoa(lineNo)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return records, nil
}

// DecodeFile reads the trace at path.
func DecodeFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
