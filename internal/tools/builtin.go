package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Built-in tool names.
const (
	ReadFile  = "fs.read_file"
	WriteFile = "fs.write_file"
	ListDir   = "fs.list_dir"
	AskUser   = "ask_user"
)

var (
	// ErrUnknownTool is returned for a name that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs is returned when arguments do not match the tool schema.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// InputRequiredError is returned by ask_user. The caller suspends the run
// and resumes it with the user's answer.
type InputRequiredError struct {
	Prompt json.RawMessage
}

func (e *InputRequiredError) Error() string {
	return "tool requires user input"
}

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DirEntry is one item returned by fs.list_dir.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// RegisterBuiltins registers the file system tools, rooted at sandboxRoot,
// and ask_user.
func RegisterBuiltins(r *Registry, sandboxRoot string) error {
	fs := fileTools{root: sandboxRoot}
	builtins := []Tool{
		{
			Name:        ReadFile,
			Description: "Read a text file from the workspace.",
			Parameters:  objectSchema([]string{"path"}, map[string]any{"path": stringProp("File path relative to the workspace.")}),
			Exec:        fs.read,
		},
		{
			Name:        WriteFile,
			Description: "Write a text file in the workspace, replacing existing content.",
			Parameters: objectSchema([]string{"path", "content"}, map[string]any{
				"path":    stringProp("File path relative to the workspace."),
				"content": stringProp("Full file content."),
			}),
			Exec: fs.write,
		},
		{
			Name:        ListDir,
			Description: "List the entries of a workspace directory.",
			Parameters:  objectSchema(nil, map[string]any{"path": stringProp("Directory path, defaults to the workspace root.")}),
			Exec:        fs.list,
		},
		{
			Name:        AskUser,
			Description: "Pause and ask the user a question. The answer is returned as the tool result.",
			Parameters:  objectSchema([]string{"question"}, map[string]any{"question": stringProp("Question shown to the user.")}),
			Exec:        askUser,
		},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type fileTools struct {
	root string
}

func (f fileTools) resolve(p string) string {
	if f.root == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(f.root, p)
}

func (f fileTools) read(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidArgs)
	}
	data, err := os.ReadFile(f.resolve(args.Path))
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"path": args.Path, "content": string(data)})
}

func (f fileTools) write(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args writeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidArgs)
	}
	target := f.resolve(args.Path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, []byte(args.Content), 0o644); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"path": args.Path, "bytes_written": len(args.Content)})
}

func (f fileTools) list(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		args.Path = "."
	}
	entries, err := os.ReadDir(f.resolve(args.Path))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		item := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item.Size = info.Size()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return json.Marshal(map[string]any{"path": args.Path, "entries": out})
}

func askUser(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	prompt, _ := json.Marshal(map[string]string{"question": args.Question})
	return nil, &InputRequiredError{Prompt: prompt}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
