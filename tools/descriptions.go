package tools

const publishFileDescription = `Upload a file to an authorized S3 bucket.

Use this tool when you need to:
- Upload a file to cloud storage
- Save generated content (reports, images, documents) to S3
- Share files via S3 URLs

IMPORTANT: file_path MUST include a unique folder prefix. Generate a random folder name (6-8 alphanumeric chars) for each new site to ensure isolation.

For files larger than 5MB, use get_presigned_url instead.

The content can be:
- Plain text (UTF-8 encoded)
- Base64-encoded binary data (set is_base64=true)

If no bucket is specified, the default bucket is used.`

const presignDescription = `Generate a presigned URL for uploading large files directly to S3.

Use this tool for files larger than 5MB. The URL can be used to upload directly to S3 without going through Herald.

IMPORTANT: file_path MUST include a unique folder prefix. Use the same folder name as other files for this site.

Returns a presigned URL valid for the specified duration (default: 1 hour).

The user or client can then use this URL with an HTTP PUT request to upload the file directly.`

const listFilesDescription = `List files in an S3 bucket with optional prefix filter.

Use this tool to browse files in a bucket. You can filter by prefix to see files in a specific folder.

Returns file names, sizes, and last modified dates.`

const deleteFileDescription = `Delete a file from an S3 bucket.

Use this tool to remove a file from storage. Requires delete permission on the bucket.

The file path should match the exact key in the bucket.`
