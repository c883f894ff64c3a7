// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2025 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/snapcore/absnap/logger"
)

// ResponseType is the response envelope kind.
type ResponseType string

const (
	ResponseTypeSync  ResponseType = "sync"
	ResponseTypeError ResponseType = "error"
)

// Response knows how to serve itself.
type Response interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

type resp struct {
	Type       ResponseType `json:"type"`
	StatusCode int          `json:"status-code"`
	Result     interface{}  `json:"result"`
}

func (r *resp) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := r.StatusCode
	bs, err := json.Marshal(r)
	if err != nil {
		logger.Noticef("cannot marshal %#v to JSON: %v", *r, err)
		bs = nil
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bs)
}

// SyncResponse builds a successful "sync" response with the given
// result.
func SyncResponse(result interface{}) Response {
	return &resp{
		Type:       ResponseTypeSync,
		StatusCode: http.StatusOK,
		Result:     result,
	}
}

type errorResult struct {
	Message string `json:"message"`
}

type errorResponder func(format string, v ...interface{}) Response

func makeErrorResponder(status int) errorResponder {
	return func(format string, v ...interface{}) Response {
		return &resp{
			Type:       ResponseTypeError,
			StatusCode: status,
			Result:     &errorResult{Message: fmt.Sprintf(format, v...)},
		}
	}
}

var (
	BadRequest       = makeErrorResponder(http.StatusBadRequest)
	NotFound         = makeErrorResponder(http.StatusNotFound)
	MethodNotAllowed = makeErrorResponder(http.StatusMethodNotAllowed)
	InternalError    = makeErrorResponder(http.StatusInternalServerError)
	Conflict         = makeErrorResponder(http.StatusConflict)
)
