package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"swarmcore/internal/board"
	"swarmcore/internal/channel"
	"swarmcore/internal/subtask"
)

// pollInterval is how often handleEvents re-checks the task's status while
// the websocket connection is open.
const pollInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventMessage is one frame written to the websocket per §6.2's status /
// partial / complete event shapes.
type eventMessage struct {
	Kind   string             `json:"kind"` // status | partial | complete | error
	Phase  string             `json:"phase,omitempty"`
	Agent  string             `json:"agent,omitempty"`
	Text   string             `json:"text,omitempty"`
	Result string             `json:"result,omitempty"`
	TaskID string             `json:"task_id,omitempty"`
	Files  []fileAttachment   `json:"files,omitempty"`
}

// fileAttachment is the wire shape of a channel.Attachment in a complete event.
type fileAttachment struct {
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// handleEvents upgrades the connection and streams status transitions for
// task_id until it reaches a terminal state or the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	taskID := c.Param("task_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("upgrade websocket for %s: %v", taskID, err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	ch := &wsChannel{conn: conn, taskID: taskID}

	var lastStatus board.Status
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := s.board.Get(ctx, taskID)
			if err != nil {
				_ = ch.writeError(err)
				return
			}
			if t.Status != lastStatus {
				if werr := ch.Status(ctx, phaseFor(t.Status), t.AgentID, ""); werr != nil {
					return
				}
				lastStatus = t.Status
			}
			if t.Status.IsTerminal() {
				files := s.fileAttachmentsFor(ctx, t.ID)
				for _, f := range files {
					if err := ch.SendFile(ctx, f.Path, f.Caption); err != nil {
						s.log.Warn("send file attachment for %s: %v", t.ID, err)
					}
				}
				_ = ch.Complete(ctx, t.Result, t.ID, files)
				return
			}
		}
	}
}

// fileAttachmentsFor collects one channel.Attachment per completed
// sub-task of parentID whose spec requested FormatFile output (§4.7's
// file-delivery markers), treating that sub-task's Result as the delivered
// file's path. A sub-task description that fails to parse, or doesn't ask
// for file output, contributes nothing.
func (s *Server) fileAttachmentsFor(ctx context.Context, parentID string) []channel.Attachment {
	children, err := s.board.ChildrenOf(ctx, parentID)
	if err != nil {
		s.log.Warn("collect file attachments for %s: %v", parentID, err)
		return nil
	}

	var files []channel.Attachment
	for _, c := range children {
		if !c.Status.IsTerminal() || c.Result == "" {
			continue
		}
		spec, err := subtask.ParseModern(c.Description)
		if err != nil || spec.OutputFormat != subtask.FormatFile {
			continue
		}
		files = append(files, channel.Attachment{
			Path:    c.Result,
			Caption: fmt.Sprintf("result of sub-task %s (%s)", c.ID, c.RequiredRole),
		})
	}
	return files
}

func phaseFor(s board.Status) channel.Phase {
	switch s {
	case board.StatusReview, board.StatusCritique:
		return channel.PhaseCritiquing
	case board.StatusSynthesizing:
		return channel.PhaseSynthesizing
	case board.StatusPending:
		return channel.PhasePlanning
	default:
		return channel.PhaseExecuting
	}
}

// wsChannel adapts a single websocket connection to the channel.Channel
// port so the Orchestrator's progress notifications can be forwarded
// directly to a connected caller.
type wsChannel struct {
	conn   *websocket.Conn
	taskID string
}

func (w *wsChannel) Status(ctx context.Context, phase channel.Phase, agent, tool string) error {
	return w.write(eventMessage{Kind: "status", Phase: string(phase), Agent: agent, TaskID: w.taskID})
}

func (w *wsChannel) Partial(ctx context.Context, text string) error {
	return w.write(eventMessage{Kind: "partial", Text: text, TaskID: w.taskID})
}

func (w *wsChannel) Complete(ctx context.Context, result, taskID string, files []channel.Attachment) error {
	wireFiles := make([]fileAttachment, 0, len(files))
	for _, f := range files {
		wireFiles = append(wireFiles, fileAttachment{Path: f.Path, Caption: f.Caption})
	}
	return w.write(eventMessage{Kind: "complete", Result: result, TaskID: taskID, Files: wireFiles})
}

func (w *wsChannel) SendFile(ctx context.Context, path, caption string) error {
	return w.write(eventMessage{Kind: "partial", Text: caption, TaskID: w.taskID})
}

func (w *wsChannel) DeliverText(ctx context.Context, text string) error {
	return w.write(eventMessage{Kind: "partial", Text: text, TaskID: w.taskID})
}

func (w *wsChannel) writeError(err error) error {
	return w.write(eventMessage{Kind: "error", Text: err.Error(), TaskID: w.taskID})
}

func (w *wsChannel) write(msg eventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
