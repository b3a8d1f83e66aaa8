package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskdirector/internal/dispatcher"
	"github.com/seantiz/taskdirector/internal/envelope"
)

const maxBodySize = 8 << 20 // 8 MB

// listTasksResponse is the JSON response for GET /v1/tasks.
type listTasksResponse struct {
	Tasks []dispatcher.TaskTypeInfo `json:"tasks"`
}

// payloadRequest is the JSON body carrying an init or execute payload.
// Buffer bytes are base64 encoded.
type payloadRequest struct {
	PayloadKind string            `json:"payload_kind"`
	Parameters  map[string]any    `json:"parameters"`
	Buffers     []envelope.Buffer `json:"buffers"`
}

// envelope builds a validated envelope for cmd.
func (p payloadRequest) envelope(cmd envelope.Command) (*envelope.Envelope, error) {
	env := envelope.New(cmd)
	env.PayloadKind = p.PayloadKind
	env.Parameters = p.Parameters
	env.Buffers = p.Buffers
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// decodePayload reads an optional payload body. An empty body yields nil.
// A payload whose kind has a registered codec must unpack cleanly; other
// kinds pass through opaque.
func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request, cmd envelope.Command) (*envelope.Envelope, error) {
	var req payloadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.New("invalid JSON body")
	}
	env, err := req.envelope(cmd)
	if err != nil {
		return nil, err
	}
	if env.PayloadKind != "" {
		if _, err := s.codecs.Unpack(env, false); err != nil && !errors.Is(err, envelope.ErrUnknownPayloadKind) {
			return nil, err
		}
	}
	return env, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.dispatcher.Snapshot()
	if tasks == nil {
		tasks = []dispatcher.TaskTypeInfo{}
	}
	s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks})
}

func (s *Server) handleRegisterTask(w http.ResponseWriter, r *http.Request) {
	var desc dispatcher.Descriptor
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.dispatcher.RegisterTask(desc); err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrAlreadyRegistered), errors.Is(err, dispatcher.ErrDisposed):
			s.writeDispatchError(w, err)
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	for _, info := range s.dispatcher.Snapshot() {
		if info.Descriptor.Name == desc.Name {
			s.writeJSON(w, http.StatusCreated, info)
			return
		}
	}
	s.writeError(w, http.StatusServiceUnavailable, "task type disappeared during registration")
}

// initResponse is the JSON response for POST /v1/tasks/{name}/init.
type initResponse struct {
	Task dispatcher.TaskTypeInfo `json:"task"`
}

func (s *Server) handleInitializeTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	payload, err := s.decodePayload(w, r, envelope.CommandInit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.dispatcher.InitializeTaskType(name, payload).Wait(r.Context()); err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeDispatchError(w, err)
		return
	}

	for _, info := range s.dispatcher.Snapshot() {
		if info.Descriptor.Name == name {
			s.writeJSON(w, http.StatusOK, initResponse{Task: info})
			return
		}
	}
	s.writeDispatchError(w, dispatcher.ErrUnknownTaskType)
}
