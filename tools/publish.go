package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/objectstore"
	"github.com/heraldhq/herald/storage"
)

const (
	// MaxDirectUploadSize is the largest body publish_file accepts.
	MaxDirectUploadSize = 5 * 1024 * 1024

	// DefaultPresignExpiry is the presigned URL lifetime when none is requested.
	DefaultPresignExpiry = 3600

	// MinPresignExpiry and MaxPresignExpiry bound expires_in, in seconds.
	MinPresignExpiry = 60
	MaxPresignExpiry = 86400

	// DefaultListResults and MaxListResults bound list_files.
	DefaultListResults = 100
	MaxListResults     = 1000

	defaultContentType = "application/octet-stream"
)

// Grant permissions.
const (
	PermissionRead   = "read"
	PermissionWrite  = "write"
	PermissionDelete = "delete"
)

// Upload methods recorded in the upload audit log.
const (
	UploadMethodDirect    = "direct"
	UploadMethodPresigned = "presigned"
)

// Publisher implements the bucket publishing tools over tenant buckets and an
// object store.
type Publisher struct {
	buckets         storage.BucketStore
	objects         objectstore.Store
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// NewPublisher returns a Publisher.
func NewPublisher(buckets storage.BucketStore, objects objectstore.Store, logger *slog.Logger) (*Publisher, error) {
	if buckets == nil {
		return nil, errors.New("bucket store is required")
	}
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{buckets: buckets, objects: objects, logger: logger}, nil
}

// SetInstrumentation enables upload metrics.
func (p *Publisher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentation = inst
}

// Tools returns the publishing tool catalog.
func (p *Publisher) Tools() []Tool {
	return []Tool{
		{
			Definition: mcp.NewTool("list_buckets",
				mcp.WithDescription("List all S3 buckets you have access to. Returns bucket names, permissions, and S3 paths."),
			),
			RequiredScope: "read",
			Handler:       p.listBuckets,
		},
		{
			Definition: mcp.NewTool("publish_file",
				mcp.WithDescription(publishFileDescription),
				mcp.WithString("bucket", mcp.Description("Bucket name (uses default if not specified)")),
				mcp.WithString("file_path", mcp.Required(),
					mcp.Description("Path/key - MUST include a unique folder prefix (e.g., 'site-a3x9k2/index.html', 'proj-7hf4m1/assets/logo.png')")),
				mcp.WithString("content", mcp.Required(),
					mcp.Description("File content (text or base64-encoded for binary)")),
				mcp.WithString("content_type",
					mcp.Description("MIME type (auto-detected from file extension if not provided)")),
				mcp.WithBoolean("is_base64",
					mcp.Description("Whether content is base64 encoded (default: false)"),
					mcp.DefaultBool(false)),
			),
			RequiredScope: "write",
			Handler:       p.publishFile,
		},
		{
			Definition: mcp.NewTool("get_presigned_url",
				mcp.WithDescription(presignDescription),
				mcp.WithString("bucket", mcp.Description("Bucket name (uses default if not specified)")),
				mcp.WithString("file_path", mcp.Required(),
					mcp.Description("Path/key - MUST include the site's unique folder prefix (e.g., 'site-a3x9k2/video.mp4', 'proj-7hf4m1/large-file.zip')")),
				mcp.WithString("content_type",
					mcp.Description("MIME type of the file (default: application/octet-stream)"),
					mcp.DefaultString(defaultContentType)),
				mcp.WithNumber("expires_in",
					mcp.Description("URL expiration in seconds (default: 3600, max: 86400)"),
					mcp.DefaultNumber(DefaultPresignExpiry)),
			),
			RequiredScope: "write",
			Handler:       p.presignUpload,
		},
		{
			Definition: mcp.NewTool("list_files",
				mcp.WithDescription(listFilesDescription),
				mcp.WithString("bucket", mcp.Description("Bucket name (uses default if not specified)")),
				mcp.WithString("prefix", mcp.Description("Filter by prefix/folder path (e.g., 'reports/')")),
				mcp.WithNumber("max_results",
					mcp.Description("Maximum files to return (default: 100, max: 1000)"),
					mcp.DefaultNumber(DefaultListResults)),
			),
			RequiredScope: "read",
			Handler:       p.listFiles,
		},
		{
			Definition: mcp.NewTool("delete_file",
				mcp.WithDescription(deleteFileDescription),
				mcp.WithString("bucket", mcp.Description("Bucket name (uses default if not specified)")),
				mcp.WithString("file_path", mcp.Required(), mcp.Description("Path/key of the file to delete")),
			),
			RequiredScope: "delete",
			Handler:       p.deleteFile,
		},
	}
}

func (p *Publisher) listBuckets(ctx context.Context, caller Caller, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	buckets, err := p.buckets.ListAccessibleBuckets(ctx, caller.TenantID, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	if len(buckets) == 0 {
		return mcp.NewToolResultText("You don't have access to any S3 buckets. Contact your administrator to get bucket access."), nil
	}

	lines := []string{"**Available Buckets:**\n"}
	for _, b := range buckets {
		marker := ""
		if b.IsDefault {
			marker = " (default)"
		}
		prefix := b.PrefixRestriction
		if prefix == "" {
			prefix = b.Prefix
		}
		if prefix == "" {
			prefix = "/"
		}
		lines = append(lines,
			fmt.Sprintf("- **%s**%s", b.Name, marker),
			fmt.Sprintf("  - S3: `s3://%s/%s`", b.BucketName, prefix),
			fmt.Sprintf("  - Permissions: %s", strings.Join(b.Permissions, ", ")),
			"")
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (p *Publisher) publishFile(ctx context.Context, caller Caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath := req.GetString("file_path", "")
	content := req.GetString("content", "")
	if filePath == "" {
		return errorResult("Error: file_path is required"), nil
	}
	if content == "" {
		return errorResult("Error: content is required"), nil
	}

	access, result, err := p.resolveBucket(ctx, caller, req.GetString("bucket", ""), PermissionWrite)
	if result != nil || err != nil {
		return result, err
	}

	body := []byte(content)
	if req.GetBool("is_base64", false) {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return errorResult("Error: Invalid base64 content: %v", err), nil
		}
		body = decoded
	}
	if len(body) > MaxDirectUploadSize {
		return errorResult("Error: File size (%s bytes) exceeds maximum for direct upload (%s bytes). Use get_presigned_url for large files.",
			groupDigits(int64(len(body))), groupDigits(MaxDirectUploadSize)), nil
	}

	contentType := req.GetString("content_type", "")
	if contentType == "" {
		contentType = detectContentType(filePath)
	}

	key := objectstore.Key(access.Prefix, access.PrefixRestriction, filePath)
	if err := p.objects.Put(ctx, locationOf(access), key, body, contentType); err != nil {
		p.logger.Error("Upload failed", "bucket", access.BucketName, "key", key, "error", err)
		return errorResult("Upload failed: %v", err), nil
	}

	p.recordUpload(ctx, caller, access, key, int64(len(body)), contentType, UploadMethodDirect, nil)
	if p.instrumentation != nil {
		p.instrumentation.Metrics().RecordBytesUploaded(ctx, int64(len(body)))
	}

	return mcp.NewToolResultText(fmt.Sprintf("Successfully uploaded to s3://%s/%s\n\nFile size: %s bytes\nContent-Type: %s",
		access.BucketName, key, groupDigits(int64(len(body))), contentType)), nil
}

func (p *Publisher) presignUpload(ctx context.Context, caller Caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath := req.GetString("file_path", "")
	if filePath == "" {
		return errorResult("Error: file_path is required"), nil
	}
	contentType := req.GetString("content_type", defaultContentType)
	expiresIn := min(max(req.GetInt("expires_in", DefaultPresignExpiry), MinPresignExpiry), MaxPresignExpiry)

	access, result, err := p.resolveBucket(ctx, caller, req.GetString("bucket", ""), PermissionWrite)
	if result != nil || err != nil {
		return result, err
	}

	key := objectstore.Key(access.Prefix, access.PrefixRestriction, filePath)
	url, err := p.objects.PresignPut(ctx, locationOf(access), key, contentType, time.Duration(expiresIn)*time.Second)
	if err != nil {
		p.logger.Error("Presigned URL generation failed", "bucket", access.BucketName, "key", key, "error", err)
		return errorResult("Failed to generate presigned URL: %v", err), nil
	}

	p.recordUpload(ctx, caller, access, key, 0, contentType, UploadMethodPresigned, map[string]any{"expires_in": expiresIn})

	return mcp.NewToolResultText(fmt.Sprintf("**Presigned Upload URL Generated**\n\n"+
		"Destination: `s3://%s/%s`\n"+
		"Content-Type: `%s`\n"+
		"Expires in: %d seconds\n\n"+
		"**Upload URL:**\n```\n%s\n```\n\n"+
		"Use this URL with a PUT request to upload your file directly to S3.",
		access.BucketName, key, contentType, expiresIn, url)), nil
}

func (p *Publisher) listFiles(ctx context.Context, caller Caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxResults := min(req.GetInt("max_results", DefaultListResults), MaxListResults)
	if maxResults < 1 {
		maxResults = DefaultListResults
	}

	access, result, err := p.resolveBucket(ctx, caller, req.GetString("bucket", ""), PermissionRead)
	if result != nil || err != nil {
		return result, err
	}

	prefix := objectstore.JoinPrefix(access.Prefix, access.PrefixRestriction)
	if filter := req.GetString("prefix", ""); filter != "" {
		prefix = objectstore.Key(access.Prefix, access.PrefixRestriction, filter)
	}

	listing, err := p.objects.List(ctx, locationOf(access), prefix, maxResults)
	if err != nil {
		p.logger.Error("List files failed", "bucket", access.BucketName, "prefix", prefix, "error", err)
		return errorResult("Failed to list files: %v", err), nil
	}
	if len(listing.Objects) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No files found in `s3://%s/%s`", access.BucketName, prefix)), nil
	}

	lines := []string{fmt.Sprintf("**Files in %s** (`s3://%s/%s`)\n", access.Name, access.BucketName, prefix)}
	for _, obj := range listing.Objects {
		lines = append(lines, fmt.Sprintf("- `%s` (%s, %s)", obj.Key, formatSize(obj.Size), obj.LastModified.UTC().Format("2006-01-02 15:04")))
	}
	if listing.Truncated {
		lines = append(lines, fmt.Sprintf("\n*Results truncated. Showing first %d files.*", maxResults))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (p *Publisher) deleteFile(ctx context.Context, caller Caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath := req.GetString("file_path", "")
	if filePath == "" {
		return errorResult("Error: file_path is required"), nil
	}

	access, result, err := p.resolveBucket(ctx, caller, req.GetString("bucket", ""), PermissionDelete)
	if result != nil || err != nil {
		return result, err
	}

	key := objectstore.Key(access.Prefix, access.PrefixRestriction, filePath)
	loc := locationOf(access)
	if _, err := p.objects.Head(ctx, loc, key); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return errorResult("File not found: `s3://%s/%s`", access.BucketName, key), nil
		}
		p.logger.Error("Delete failed", "bucket", access.BucketName, "key", key, "error", err)
		return errorResult("Delete failed: %v", err), nil
	}
	if err := p.objects.Delete(ctx, loc, key); err != nil {
		p.logger.Error("Delete failed", "bucket", access.BucketName, "key", key, "error", err)
		return errorResult("Delete failed: %v", err), nil
	}

	p.logger.Info("File deleted",
		"tenant_id", caller.TenantID,
		"bucket", access.BucketName,
		"key", key)
	return mcp.NewToolResultText(fmt.Sprintf("Successfully deleted `s3://%s/%s`", access.BucketName, key)), nil
}

// resolveBucket finds the caller's bucket by display name, or the tenant's
// default, and checks the grant holds permission. A non-nil result is the
// error result to return to the caller.
func (p *Publisher) resolveBucket(ctx context.Context, caller Caller, name, permission string) (*storage.BucketAccess, *mcp.CallToolResult, error) {
	access, err := p.buckets.GetAccessibleBucket(ctx, caller.TenantID, caller.UserID, name)
	if errors.Is(err, storage.ErrNotFound) {
		if name != "" {
			return nil, errorResult("Error: No access to bucket '%s' or bucket not found.", name), nil
		}
		return nil, errorResult("Error: No default bucket configured. Specify a bucket name or contact your administrator."), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve bucket: %w", err)
	}
	if !slices.Contains(access.Permissions, permission) {
		return nil, errorResult("Error: No %s permission for bucket '%s'", permission, access.Name), nil
	}
	return access, nil, nil
}

func (p *Publisher) recordUpload(ctx context.Context, caller Caller, access *storage.BucketAccess, key string, size int64, contentType, method string, metadata map[string]any) {
	upload := &storage.FileUpload{
		ID:           uuid.NewString(),
		TenantID:     caller.TenantID,
		BucketID:     access.ID,
		UserID:       caller.UserID,
		FileKey:      key,
		FileName:     path.Base(key),
		FileSize:     size,
		ContentType:  contentType,
		UploadMethod: method,
		Metadata:     metadata,
	}
	if err := p.buckets.RecordUpload(ctx, upload); err != nil {
		p.logger.Error("Failed to record upload", "key", key, "error", err)
		return
	}
	p.logger.Info("Upload recorded",
		"tenant_id", caller.TenantID,
		"bucket", access.BucketName,
		"key", key,
		"method", method,
		"size", size)
}

func locationOf(access *storage.BucketAccess) objectstore.Location {
	sessionName := "herald"
	if id := access.ID; id != "" {
		sessionName = "herald-" + id[:min(len(id), 8)]
	}
	return objectstore.Location{
		Bucket:      access.BucketName,
		Region:      access.Region,
		RoleARN:     access.RoleARN,
		SessionName: sessionName,
	}
}

func detectContentType(filePath string) string {
	if ct := mime.TypeByExtension(path.Ext(filePath)); ct != "" {
		return ct
	}
	return defaultContentType
}

func formatSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/1024/1024)
	}
}

// groupDigits formats n with thousands separators.
func groupDigits(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
