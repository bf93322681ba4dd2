package protocol

// Message types sent from the webview to the host.
const (
	TypeApplyToFile           = "applyToFile"
	TypeAcceptDiff            = "acceptDiff"
	TypeRejectDiff            = "rejectDiff"
	TypeAcceptRejectDiffBlock = "acceptRejectDiffBlock"
	TypeEditSendPrompt        = "edit/sendPrompt"
	TypeOverwriteFile         = "overwriteFile"
	TypeInsertAtCursor        = "insertAtCursor"
	TypeCopyText              = "copyText"
	TypeReadFile              = "readFile"
	TypeWriteFile             = "writeFile"
	TypeFileExists            = "fileExists"
	TypeOpenFile              = "openFile"
	TypeSaveFile              = "saveFile"
	TypeGetOpenFiles          = "getOpenFiles"
	TypeGetCurrentFile        = "getCurrentFile"
	TypeReadRangeInFile       = "readRangeInFile"
	TypeGetWorkspaceDirs      = "getWorkspaceDirs"
	TypeToolsCall             = "tools/call"
	TypeLLMStreamChat         = "llm/streamChat"
	TypeApplyStateList        = "applyState/list"
	TypeAbort                 = "abort"
)

// Message types sent from the host to the webview.
const (
	TypeUpdateApplyState = "updateApplyState"
	TypeSetContext       = "setContext"
	TypeShowToast        = "showToast"
)

// ApplyStatus is the lifecycle status of one apply or edit operation.
type ApplyStatus string

const (
	ApplyStatusStreaming ApplyStatus = "streaming"
	ApplyStatusDone      ApplyStatus = "done"
	ApplyStatusClosed    ApplyStatus = "closed"
)

func (s ApplyStatus) rank() int {
	switch s {
	case ApplyStatusStreaming:
		return 0
	case ApplyStatusDone:
		return 1
	case ApplyStatusClosed:
		return 2
	}
	return -1
}

// CanFollow reports whether s may be reported after prev for the same
// stream. Status only moves forward: streaming, then done, then closed.
// Repeating done is allowed so block resolutions can update numDiffs.
func (s ApplyStatus) CanFollow(prev ApplyStatus) bool {
	if s.rank() < 0 {
		return false
	}
	if prev == ApplyStatusClosed {
		return false
	}
	return s.rank() >= prev.rank()
}

// ApplyState is the status projection pushed to the webview.
type ApplyState struct {
	StreamID    string      `json:"streamId"`
	Status      ApplyStatus `json:"status"`
	NumDiffs    int         `json:"numDiffs"`
	FileContent string      `json:"fileContent,omitempty"`
	Filepath    string      `json:"filepath,omitempty"`
	ToolCallID  string      `json:"toolCallId,omitempty"`
}

// Position is a zero-based line and byte column in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// RangeInFile pairs a range with the file it belongs to.
type RangeInFile struct {
	Filepath string `json:"filepath"`
	Range    Range  `json:"range"`
}

// ApplyToFileRequest is the payload of applyToFile.
type ApplyToFileRequest struct {
	StreamID   string `json:"streamId"`
	Filepath   string `json:"filepath,omitempty"`
	Text       string `json:"text"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

// DiffRequest is the payload of acceptDiff and rejectDiff.
type DiffRequest struct {
	Filepath string `json:"filepath"`
	StreamID string `json:"streamId,omitempty"`
}

// DiffBlockRequest is the payload of acceptRejectDiffBlock.
type DiffBlockRequest struct {
	Filepath string `json:"filepath"`
	Accept   bool   `json:"accept"`
	Index    int    `json:"index"`
}

// EditPromptRequest is the payload of edit/sendPrompt.
type EditPromptRequest struct {
	Prompt   string      `json:"prompt"`
	Range    RangeInFile `json:"range"`
	StreamID string      `json:"streamId,omitempty"`
}

// OverwriteFileRequest is the payload of overwriteFile.
type OverwriteFileRequest struct {
	Filepath        string `json:"filepath"`
	PrevFileContent string `json:"prevFileContent"`
}

// TextRequest carries a single text field (insertAtCursor, copyText).
type TextRequest struct {
	Text string `json:"text"`
}

// FileRequest carries a single filepath.
type FileRequest struct {
	Filepath string `json:"filepath"`
}

// WriteFileRequest is the payload of writeFile.
type WriteFileRequest struct {
	Filepath string `json:"filepath"`
	Contents string `json:"contents"`
}

// FileContents describes an open file.
type FileContents struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
	IsDirty  bool   `json:"isDirty"`
}

// SetContextPayload is pushed when a process-wide UI flag changes.
type SetContextPayload struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// ToastPayload asks the webview to surface a message with optional actions.
type ToastPayload struct {
	Level   string   `json:"level"`
	Message string   `json:"message"`
	Options []string `json:"options,omitempty"`
}

// ChatMessage is one message in an llm/streamChat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChatRequest is the payload of llm/streamChat.
type StreamChatRequest struct {
	Title    string        `json:"title,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// ToolCallRequest is the payload of tools/call.
type ToolCallRequest struct {
	ToolCallID string         `json:"toolCallId"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
}

// ContextItem is one item of tool output shown to the model and the user.
type ContextItem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	URI         string `json:"uri,omitempty"`
}
