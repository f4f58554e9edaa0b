// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// handleLive is the liveness probe: returns 200 as long as the server is running.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady returns 200 when this member holds a valid intermediate key
// and can sign, 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Authority.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleStartup reports the same as handleReady; startup is complete once
// the intermediate is loaded.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	s.handleReady(w, r)
}
