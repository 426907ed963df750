// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// jsonLog is one line of JSON output.
type jsonLog struct {
	Msg       string    `json:"msg"`
	Level     Level     `json:"level"`
	Time      time.Time `json:"time"`
	Component string    `json:"component,omitempty"`
	NIC       int       `json:"nic,omitempty"`
	Caller    string    `json:"caller,omitempty"`
}

// splitMessage breaks a message of the form "<component>: nic<N> <text>", as
// the protocol packages write them, into its fields. Either prefix may be
// absent, in which case its field is left zero.
func splitMessage(msg string) (component string, nic int, text string) {
	component, text, ok := strings.Cut(msg, ": ")
	if !ok || component == "" || strings.ContainsAny(component, " \t") {
		return "", 0, msg
	}
	id, rest, _ := strings.Cut(text, " ")
	if digits, ok := strings.CutPrefix(id, "nic"); ok {
		if n, err := strconv.Atoi(digits); err == nil && n > 0 {
			return component, n, rest
		}
	}
	return component, 0, text
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts the
// level names and their numeric values, so config files may use either.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// JSONEmitter logs one JSON object per message, with the component and NIC
// of protocol messages in fields of their own.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Level: level,
		Time:  timestamp,
	}
	j.Component, j.NIC, j.Msg = splitMessage(fmt.Sprintf(format, v...))
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		j.Caller = fmt.Sprintf("%s:%d", file[strings.LastIndexByte(file, '/')+1:], line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}
