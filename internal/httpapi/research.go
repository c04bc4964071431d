package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/engine"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/research"
)

// ownedJob returns the job when it belongs to the requesting visitor. Jobs of
// other visitors are reported as unknown.
func (s *Server) ownedJob(r *http.Request, id string) (research.Job, error) {
	job, ok := s.deps.Research.Get(id)
	if !ok {
		return research.Job{}, research.ErrUnknownJob
	}
	if job.UserID != "" && job.UserID != visitorID(r.Context()) {
		return research.Job{}, errNotOwner
	}
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r, chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type confirmRequest struct {
	Query            string            `json:"query"`
	Answers          map[string]string `json:"answers"`
	StudyType        model.StudyType   `json:"studyType"`
	CreditsAvailable *int              `json:"creditsAvailable,omitempty"`
}

// handleConfirmJob answers the intake. A job that fails on confirm (for
// example on insufficient credits) is still returned with 200; its error is
// on the snapshot.
func (s *Server) handleConfirmJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	if _, err := s.ownedJob(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Research.Confirm(r.Context(), research.ConfirmInput{
		JobID:            id,
		Query:            req.Query,
		Answers:          req.Answers,
		StudyType:        req.StudyType,
		CreditsAvailable: req.CreditsAvailable,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	if _, err := s.ownedJob(r, id); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Research.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	if _, err := s.ownedJob(r, id); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Research.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = (streamPongWait * 9) / 10
	streamBuffer    = 32
)

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// streamFrame is one websocket message of the research stream.
type streamFrame struct {
	Type    string        `json:"type"`
	Job     *research.Job `json:"job,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

// handleStreamJob runs the job's pipeline and pushes every snapshot as a
// "snapshot" frame, then a "done" frame with the final state. Closing the
// socket cancels the job.
func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	if _, err := s.ownedJob(r, id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck

	log := zap.L().With(zap.String("job_id", id))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(streamPongWait)); err != nil {
		log.Warn("httpapi: set read deadline failed", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	frames := make(chan streamFrame, streamBuffer)
	writerDone := make(chan struct{})
	go writeFrames(ctx, conn, frames, writerDone)

	// Any read error means the client went away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	push := func(f streamFrame) {
		select {
		case frames <- f:
		case <-ctx.Done():
		}
	}

	job, err := s.deps.Research.Execute(ctx, id, func(j research.Job) {
		push(streamFrame{Type: "snapshot", Job: &j})
	})
	if err != nil {
		_, code := statusFor(err)
		log.Info("httpapi: stream rejected", zap.Error(err))
		push(streamFrame{Type: "error", Code: code, Message: err.Error(), Job: &job})
	} else {
		push(streamFrame{Type: "done", Job: &job})
	}
	close(frames)
	<-writerDone
}

func writeFrames(ctx context.Context, conn *websocket.Conn, frames <-chan streamFrame, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(streamWriteWait))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleRequestExpertCall books the expert deep dive offered on the value
// ladder. The booking goes through the approval queue like a research job.
func (s *Server) handleRequestExpertCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, errNoQuery)
		return
	}

	expert := engine.ExpertFor(query)
	filed, err := s.deps.Approvals.Submit(r.Context(), credit.SubmitInput{
		Type:             credit.RequestExpertCall,
		Title:            "Deep dive with " + expert.Name + ": " + query,
		EstimatedCredits: credit.ExpertCallCredits,
		Context: map[string]any{
			"expert_id": expert.ID,
			"user_id":   visitorID(r.Context()),
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"expert": expert, "request": filed})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.deps.Approvals.Pending()})
}

type resolveRequest struct {
	By   string `json:"by"`
	Note string `json:"note"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, false)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, approve bool) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	by := req.By
	if by == "" {
		by = visitorID(r.Context())
	}

	id := chi.URLParam(r, "id")
	var (
		out any
		err error
	)
	if approve {
		out, err = s.deps.Approvals.Approve(r.Context(), id, by)
	} else {
		out, err = s.deps.Approvals.Reject(r.Context(), id, by, req.Note)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
