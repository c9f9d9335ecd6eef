package mcp

// Instructions is the guidance returned to clients by initialize.
const Instructions = `You are connected to Herald, an S3 file publishing service.

## Available Operations

1. **List accessible buckets** (list_buckets) - See which S3 buckets you can access
2. **Publish files** (publish_file) - Upload files directly to S3 (up to 5MB)
3. **Get presigned URLs** (get_presigned_url) - Generate upload URLs for large files
4. **Browse files** (list_files) - List files in a bucket with optional prefix filter
5. **Delete files** (delete_file) - Remove files from a bucket

## File Path Requirements

**IMPORTANT:** All file paths MUST include a unique folder prefix to organize files by site/project. Generate a random folder name (6-8 alphanumeric characters) for each new site to ensure isolation.

✅ Valid paths:
- ` + "`site-a3x9k2/index.html`" + `
- ` + "`proj-7hf4m1/assets/logo.png`" + `
- ` + "`web-q8n2p5/styles/main.css`" + `

❌ Invalid paths:
- ` + "`index.html`" + ` (missing folder)
- ` + "`logo.png`" + ` (missing folder)

## Workflow

1. Call list_buckets to see available destinations
2. Use publish_file for small files (text, JSON, images under 5MB)
3. Use get_presigned_url for larger files - return the URL to the user
4. All uploads are logged for audit purposes

## Best Practices

- Always use a folder prefix that identifies the site/project (e.g., ` + "`mysite/`" + `)
- Check bucket access before attempting uploads
- Use appropriate content types for files
- For binary files, base64-encode the content
- Respect user's bucket and prefix restrictions`
