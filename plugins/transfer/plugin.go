package transfer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/superglue-ai/superglue-sub013/runtime"
)

// Config controls connection behavior for the file-transfer backend.
type Config struct {
	Timeout            time.Duration `yaml:"timeout" default:"30s" validate:"gte=1s"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" default:"false"`
}

// operationInput is the shape a step's resolved body must carry for a
// transfer operation.
type operationInput struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// TransferPlugin moves files over FTP, FTPS and SFTP. The request URL names
// the server (scheme picks the protocol), the body names the operation, and
// credentials come from the URL userinfo with a fallback to the scoped
// credential map.
type TransferPlugin struct {
	Config Config
	l      *slog.Logger
}

func New(cfg Config, l *slog.Logger) (*TransferPlugin, error) {
	if err := runtime.PrepareConfig(&cfg); err != nil {
		return nil, err
	}
	return &TransferPlugin{Config: cfg, l: l}, nil
}

func (p *TransferPlugin) Execute(ctx context.Context, req *runtime.ResolvedRequest) (*runtime.BackendResponse, error) {
	input, err := parseOperationInput(req.Body)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, badInput(fmt.Sprintf("invalid transfer url: %v", err))
	}

	user, pass := resolveCredentials(u, req.Credentials)

	var data map[string]any
	switch u.Scheme {
	case "sftp":
		data, err = p.executeSFTP(ctx, hostWithPort(u, "22"), user, pass, input)
	case "ftp", "ftps":
		data, err = p.executeFTP(ctx, u, user, pass, input)
	default:
		return nil, badInput(fmt.Sprintf("unsupported transfer scheme %q", u.Scheme))
	}
	if err != nil {
		var stepErr *runtime.StepError
		if errors.As(err, &stepErr) {
			return nil, stepErr
		}
		return nil, &runtime.StepError{
			Type:    runtime.ErrorTypeTransient,
			Code:    runtime.ErrorCodeExecutionFailed,
			Message: fmt.Sprintf("%s %s failed: %v", input.Operation, input.Path, err),
			Cause:   err,
		}
	}

	return &runtime.BackendResponse{Data: data, Status: 200}, nil
}

func (p *TransferPlugin) executeFTP(ctx context.Context, u *url.URL, user, pass string, input operationInput) (map[string]any, error) {
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(p.Config.Timeout),
	}
	if u.Scheme == "ftps" {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: p.Config.InsecureSkipVerify,
		}))
	}

	conn, err := ftp.Dial(hostWithPort(u, "21"), opts...)
	if err != nil {
		return nil, connectionError(u.Scheme, err)
	}
	defer conn.Quit()

	if err := conn.Login(user, pass); err != nil {
		return nil, connectionError(u.Scheme, fmt.Errorf("login failed: %w", err))
	}

	switch input.Operation {
	case "get":
		r, err := conn.Retr(input.Path)
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, err
		}
		return getResult(input.Path, content), nil

	case "put":
		if err := conn.Stor(input.Path, strings.NewReader(input.Content)); err != nil {
			return nil, err
		}
		return putResult(input.Path, len(input.Content)), nil

	case "list":
		entries, err := conn.List(input.Path)
		if err != nil {
			return nil, err
		}
		files := make([]any, 0, len(entries))
		for _, e := range entries {
			files = append(files, map[string]any{
				"name":     e.Name,
				"size":     int64(e.Size),
				"isDir":    e.Type == ftp.EntryTypeFolder,
				"modified": e.Time.UTC().Format(time.RFC3339),
			})
		}
		return listResult(input.Path, files), nil

	case "delete":
		if err := conn.Delete(input.Path); err != nil {
			return nil, err
		}
		return deleteResult(input.Path), nil
	}
	return nil, badInput(fmt.Sprintf("unsupported transfer operation %q", input.Operation))
}

func (p *TransferPlugin) executeSFTP(ctx context.Context, addr, user, pass string, input operationInput) (map[string]any, error) {
	sshCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.Config.Timeout,
	}

	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, connectionError("sftp", err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, connectionError("sftp", err)
	}
	defer client.Close()

	// The sftp client has no per-operation context support; the ssh dial
	// timeout and the caller's deadline on the surrounding request bound us.
	_ = ctx

	switch input.Operation {
	case "get":
		f, err := client.Open(input.Path)
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		return getResult(input.Path, content), nil

	case "put":
		f, err := client.Create(input.Path)
		if err != nil {
			return nil, err
		}
		_, err = f.Write([]byte(input.Content))
		closeErr := f.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		return putResult(input.Path, len(input.Content)), nil

	case "list":
		infos, err := client.ReadDir(input.Path)
		if err != nil {
			return nil, err
		}
		files := make([]any, 0, len(infos))
		for _, info := range infos {
			files = append(files, map[string]any{
				"name":     info.Name(),
				"size":     info.Size(),
				"isDir":    info.IsDir(),
				"modified": info.ModTime().UTC().Format(time.RFC3339),
			})
		}
		return listResult(input.Path, files), nil

	case "delete":
		if err := client.Remove(input.Path); err != nil {
			return nil, err
		}
		return deleteResult(input.Path), nil
	}
	return nil, badInput(fmt.Sprintf("unsupported transfer operation %q", input.Operation))
}

func getResult(path string, content []byte) map[string]any {
	return map[string]any{
		"operation": "get",
		"path":      path,
		"content":   string(content),
		"size":      len(content),
	}
}

func putResult(path string, size int) map[string]any {
	return map[string]any{"operation": "put", "path": path, "size": size}
}

func listResult(path string, files []any) map[string]any {
	return map[string]any{"operation": "list", "path": path, "files": files, "count": len(files)}
}

func deleteResult(path string) map[string]any {
	return map[string]any{"operation": "delete", "path": path, "deleted": true}
}

var validOperations = map[string]bool{
	"get":    true,
	"put":    true,
	"list":   true,
	"delete": true,
}

// parseOperationInput decodes the resolved request body and rejects anything
// that could not possibly succeed before a connection is dialed.
func parseOperationInput(body string) (operationInput, error) {
	fail := func(msg string) (operationInput, error) {
		return operationInput{}, badInput(msg)
	}

	if strings.TrimSpace(body) == "" {
		return fail("transfer request body is empty; expected {\"operation\": ..., \"path\": ...}")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return fail(fmt.Sprintf("invalid transfer request body: %v", err))
	}

	var input operationInput
	if err := runtime.MapToStruct(raw, &input); err != nil {
		return fail(fmt.Sprintf("invalid transfer request body: %v", err))
	}
	if !validOperations[input.Operation] {
		return fail(fmt.Sprintf("unsupported transfer operation %q; expected get, put, list or delete", input.Operation))
	}
	if strings.TrimSpace(input.Path) == "" {
		return fail("transfer request body is missing the path field")
	}
	if input.Operation == "put" && input.Content == "" {
		return fail("put operation requires a content field")
	}
	return input, nil
}

// resolveCredentials prefers URL userinfo, falling back to the scoped
// credential map.
func resolveCredentials(u *url.URL, creds map[string]string) (string, string) {
	user := ""
	pass := ""
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	if user == "" {
		user = creds["username"]
	}
	if pass == "" {
		pass = creds["password"]
	}
	return user, pass
}

func hostWithPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

func badInput(msg string) *runtime.StepError {
	return &runtime.StepError{
		Type:    runtime.ErrorTypePermanent,
		Code:    runtime.ErrorCodeBadInput,
		Message: msg,
		Status:  400,
	}
}

func connectionError(scheme string, err error) *runtime.StepError {
	return &runtime.StepError{
		Type:    runtime.ErrorTypeTransient,
		Code:    runtime.ErrorCodeConnection,
		Message: fmt.Sprintf("%s connection failed: %v", scheme, err),
		Cause:   err,
	}
}
