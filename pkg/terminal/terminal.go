// Package terminal provides the admin debug terminal: an interactive shell
// inside a session's sandbox container, bridged over a WebSocket with a
// host-side pty in between so the shell gets real line discipline and
// window resizing.
package terminal

import (
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sandboxd/pkg/log"
	"sandboxd/pkg/session"
	"sandboxd/pkg/types"
)

// Message is one frame between the client and the terminal.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// Message types.
const (
	TypeInput  = "input"
	TypeOutput = "output"
	TypeResize = "resize"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeExit   = "exit"
	TypeError  = "error"
)

// Bridge serves terminal WebSockets for live sessions.
type Bridge struct {
	sessions *session.Manager
	// runtimeBin is the CLI used to exec into the container; the debug
	// terminal is the one path that shells out instead of using the API
	// client, because only the CLI allocates an in-container tty.
	runtimeBin string
	upgrader   websocket.Upgrader
}

// New builds a Bridge over the session manager.
func New(sessions *session.Manager) *Bridge {
	return &Bridge{
		sessions:   sessions,
		runtimeBin: "docker",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler upgrades the request and attaches a shell to the principal
// named by the :id route parameter.
func (b *Bridge) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principalID := c.Param("id")
		sess, ok := b.sessions.Inspect(principalID)
		if !ok || sess.Status != types.SessionRunning || sess.ContainerID == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no running session"})
			return
		}

		conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		b.serve(conn, principalID, sess.ContainerID)
	}
}

func (b *Bridge) serve(conn *websocket.Conn, principalID, containerID string) {
	cmd := exec.Command(b.runtimeBin, "exec", "-i", "-t", containerID, "/bin/sh")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		_ = conn.WriteJSON(Message{Type: TypeError, Data: "terminal start failed"})
		return
	}
	defer func() {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	var writeMu sync.Mutex
	send := func(m Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(m)
	}

	done := make(chan struct{})

	// pty -> websocket
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				if send(Message{Type: TypeOutput, Data: string(buf[:n])}) != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.WithPrincipal(principalID).Debug("terminal pty read ended", zap.Error(err))
				}
				_ = send(Message{Type: TypeExit})
				return
			}
		}
	}()

	// websocket -> pty
	conn.SetReadLimit(64 * 1024)
	for {
		select {
		case <-done:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case TypeInput:
			if _, err := ptmx.Write([]byte(msg.Data)); err != nil {
				return
			}
		case TypeResize:
			if msg.Rows > 0 && msg.Cols > 0 {
				_ = pty.Setsize(ptmx, &pty.Winsize{Rows: msg.Rows, Cols: msg.Cols})
			}
		case TypePing:
			_ = send(Message{Type: TypePong})
		}
	}
}
