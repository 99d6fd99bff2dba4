package filesystem

import "github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"

// Manifest declares the filesystem action surface. Risk levels and
// permission names line up with the guard's profile patterns
// (filesystem.read, filesystem.write, filesystem.delete).
func (m *Module) Manifest() *module.Manifest {
	return &module.Manifest{
		ID:          moduleID,
		Version:     version,
		Description: "File and directory operations on the host filesystem.",
		DeclaredPermissions: []string{
			"filesystem.read",
			"filesystem.write",
			"filesystem.delete",
		},
		Actions: []module.ActionSpec{
			{
				Name:        "read_file",
				Description: "Read a text file, optionally a line range.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true, Description: "File to read."},
					{Name: "start_line", Type: "integer", Description: "First line to return (1-based)."},
					{Name: "end_line", Type: "integer", Description: "Last line to return (inclusive)."},
					{Name: "max_bytes", Type: "integer", Description: "Truncate content to this many bytes."},
				},
				Returns:            "object",
				ReturnsDescription: "{path, content, size_bytes}",
				PermissionRequired: "filesystem.read",
				RiskLevel:          "low",
			},
			{
				Name:        "write_file",
				Description: "Write content to a file, replacing any existing content.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true, Description: "Destination file."},
					{Name: "content", Type: "string", Required: true, Description: "Content to write."},
					{Name: "create_dirs", Type: "boolean", Default: false, Description: "Create missing parent directories."},
					{Name: "overwrite", Type: "boolean", Default: true, Description: "Replace an existing file."},
				},
				Returns:            "object",
				ReturnsDescription: "{path, bytes_written}",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "medium",
			},
			{
				Name:        "append_file",
				Description: "Append content to a file, creating it if absent.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true},
					{Name: "content", Type: "string", Required: true},
					{Name: "newline", Type: "boolean", Default: false, Description: "Prefix a newline when the file already has content."},
				},
				Returns:            "object",
				ReturnsDescription: "{path, bytes_appended}",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "medium",
			},
			{
				Name:        "copy_file",
				Description: "Copy a file, preserving its mode bits.",
				Params: []module.ParamSpec{
					{Name: "source", Type: "string", Required: true},
					{Name: "destination", Type: "string", Required: true},
					{Name: "overwrite", Type: "boolean", Default: false},
				},
				Returns:            "object",
				ReturnsDescription: "{source, destination}",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "medium",
			},
			{
				Name:        "move_file",
				Description: "Move or rename a file or directory.",
				Params: []module.ParamSpec{
					{Name: "source", Type: "string", Required: true},
					{Name: "destination", Type: "string", Required: true},
					{Name: "overwrite", Type: "boolean", Default: false},
				},
				Returns:            "object",
				ReturnsDescription: "{source, destination}",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "medium",
			},
			{
				Name:        "delete_file",
				Description: "Delete a single file. Refuses directories.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true},
				},
				Returns:            "object",
				ReturnsDescription: "{deleted}",
				PermissionRequired: "filesystem.delete",
				RiskLevel:          "high",
				Irreversible:       true,
			},
			{
				Name:        "delete_directory",
				Description: "Delete a directory. Non-recursive deletion fails on non-empty directories.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true},
					{Name: "recursive", Type: "boolean", Default: false, Description: "Remove contents as well."},
				},
				Returns:            "object",
				ReturnsDescription: "{deleted}",
				PermissionRequired: "filesystem.delete",
				RiskLevel:          "high",
				Irreversible:       true,
				RateLimitPerMinute: 30,
			},
			{
				Name:        "create_directory",
				Description: "Create a directory.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true},
					{Name: "parents", Type: "boolean", Default: true, Description: "Create missing parents (mkdir -p)."},
				},
				Returns:            "object",
				ReturnsDescription: "{path, created}",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "low",
			},
			{
				Name:        "list_directory",
				Description: "List directory entries, optionally filtered and recursive.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true},
					{Name: "pattern", Type: "string", Description: "Glob filter on entry names."},
					{Name: "recursive", Type: "boolean", Default: false},
					{Name: "include_hidden", Type: "boolean", Default: false},
					{Name: "max_results", Type: "integer", Default: defaultMaxResults},
				},
				Returns:            "object",
				ReturnsDescription: "{path, entries, count}",
				PermissionRequired: "filesystem.read",
				RiskLevel:          "low",
			},
			{
				Name:        "search_files",
				Description: "Search a directory tree by filename glob and optional content regex.",
				Params: []module.ParamSpec{
					{Name: "directory", Type: "string", Required: true},
					{Name: "pattern", Type: "string", Default: "*", Description: "Glob filter on file names."},
					{Name: "content_pattern", Type: "string", Description: "Regex matched against file contents."},
					{Name: "case_sensitive", Type: "boolean", Default: false},
					{Name: "max_results", Type: "integer", Default: defaultMaxResults},
				},
				Returns:            "object",
				ReturnsDescription: "{matches, count}",
				PermissionRequired: "filesystem.read",
				RiskLevel:          "low",
			},
			{
				Name:        "get_file_info",
				Description: "Stat a file or directory.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true},
				},
				Returns:            "object",
				ReturnsDescription: "{path, name, type, size_bytes, modified, permissions, is_symlink, suffix}",
				PermissionRequired: "filesystem.read",
				RiskLevel:          "low",
			},
			{
				Name:        "compute_checksum",
				Description: "Compute a file checksum.",
				Params: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true},
					{Name: "algorithm", Type: "string", Default: "sha256", Enum: []any{"md5", "sha1", "sha256", "sha512"}},
				},
				Returns:            "object",
				ReturnsDescription: "{path, algorithm, checksum}",
				PermissionRequired: "filesystem.read",
				RiskLevel:          "low",
			},
			{
				Name:        "create_archive",
				Description: "Archive a file or directory tree as zip, tar, or tar.gz.",
				Params: []module.ParamSpec{
					{Name: "source", Type: "string", Required: true},
					{Name: "destination", Type: "string", Required: true},
					{Name: "format", Type: "string", Enum: []any{"zip", "tar", "tar.gz"}, Description: "Inferred from the destination suffix when omitted."},
				},
				Returns:            "object",
				ReturnsDescription: "{archive, format, files, size_bytes}",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "medium",
			},
			{
				Name:        "extract_archive",
				Description: "Extract a zip, tar, or tar.gz archive. Entries escaping the destination are rejected.",
				Params: []module.ParamSpec{
					{Name: "source", Type: "string", Required: true},
					{Name: "destination", Type: "string", Required: true},
					{Name: "format", Type: "string", Enum: []any{"zip", "tar", "tar.gz"}, Description: "Inferred from the source suffix when omitted."},
				},
				Returns:            "object",
				ReturnsDescription: "{destination, format, files}",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "medium",
			},
		},
	}
}
