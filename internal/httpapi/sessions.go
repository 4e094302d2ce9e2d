package httpapi

import (
	"net/http"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context())
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sess.ID(),
		"tabs":      sess.Tabs(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.sessions.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": ids,
		"total":    len(ids),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Close(r.Context(), id); err != nil {
		if protocol.CodeOf(err) == protocol.CodeSessionNotFound {
			writeError(w, http.StatusNotFound, protocol.CodeSessionNotFound, "session not found")
			return
		}
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"closed": id})
}
