// Package transport delivers protocol messages between the webview and the
// editor host over one of three mechanisms chosen once at startup.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kandev/codepilot/pkg/protocol"
)

// Kind identifies a concrete transport.
type Kind string

const (
	KindInProcess  Kind = "inprocess"
	KindWindow     Kind = "window"
	KindHostBridge Kind = "hostbridge"
)

// ErrSendUnavailable is returned when the send primitive for the selected
// transport does not exist. It is never retried.
var ErrSendUnavailable = errors.New("transport send primitive unavailable")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Listener receives every inbound message.
type Listener func(msg *protocol.Message)

// Transport is the uniform send/receive contract.
type Transport interface {
	Kind() Kind
	// Send delivers msg to the peer. Errors other than ErrSendUnavailable
	// are treated as transient by SendWithRetry.
	Send(ctx context.Context, msg *protocol.Message) error
	// Listen installs fn for all inbound messages. The returned function
	// removes it; on the host bridge it only deactivates fn, see HostBridge.
	Listen(fn Listener) (unsubscribe func())
	Close() error
}

// ParseKind parses a configured transport kind. "auto" resolves through ide.
func ParseKind(kind, ide string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "auto":
		return KindForIDE(ide), nil
	case string(KindInProcess):
		return KindInProcess, nil
	case string(KindWindow):
		return KindWindow, nil
	case string(KindHostBridge):
		return KindHostBridge, nil
	}
	return "", fmt.Errorf("unknown transport kind %q", kind)
}

// KindForIDE maps the embedding editor to its transport. HBuilderX exposes a
// host bridge; VS Code and JetBrains webviews post window messages.
func KindForIDE(ide string) Kind {
	switch strings.ToLower(strings.TrimSpace(ide)) {
	case "hbuilderx":
		return KindHostBridge
	case "vscode", "jetbrains":
		return KindWindow
	}
	return KindInProcess
}
