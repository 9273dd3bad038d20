// Package classify maps attachment names and MIME hints to a fixed
// category taxonomy used to organize the download archive.
package classify

import (
	"path/filepath"
	"strings"
)

// Category is the archival bucket an attachment is filed under.
// Derived once at ingestion, never mutated.
type Category string

const (
	CategoryArchive    Category = "archive"
	CategoryDocument   Category = "document"
	CategoryExecutable Category = "executable"
	CategoryCode       Category = "code_source"
	CategoryImage      Category = "media_image"
	CategoryVideo      Category = "media_video"
	CategoryAudio      Category = "media_audio"
	CategoryOther      Category = "other"
)

// byExtension is the extension lookup table. Spreadsheet, presentation,
// and config formats are filed under document and code_source so the
// archive tree stays flat.
var byExtension = map[string]Category{
	// Archives
	".zip": CategoryArchive, ".7z": CategoryArchive, ".rar": CategoryArchive,
	".tar": CategoryArchive, ".gz": CategoryArchive, ".gzip": CategoryArchive,
	".bz2": CategoryArchive, ".xz": CategoryArchive, ".lzh": CategoryArchive,
	".iso": CategoryArchive,

	// Documents
	".pdf": CategoryDocument, ".doc": CategoryDocument, ".docx": CategoryDocument,
	".txt": CategoryDocument, ".rtf": CategoryDocument, ".odt": CategoryDocument,
	".pages": CategoryDocument, ".xls": CategoryDocument, ".xlsx": CategoryDocument,
	".csv": CategoryDocument, ".ods": CategoryDocument, ".ppt": CategoryDocument,
	".pptx": CategoryDocument, ".odp": CategoryDocument, ".key": CategoryDocument,

	// Source code and machine-readable config
	".py": CategoryCode, ".js": CategoryCode, ".java": CategoryCode,
	".cpp": CategoryCode, ".c": CategoryCode, ".h": CategoryCode,
	".html": CategoryCode, ".css": CategoryCode, ".php": CategoryCode,
	".rb": CategoryCode, ".go": CategoryCode, ".rs": CategoryCode,
	".sh": CategoryCode, ".ps1": CategoryCode, ".bat": CategoryCode,
	".json": CategoryCode, ".xml": CategoryCode, ".yaml": CategoryCode,
	".yml": CategoryCode, ".ini": CategoryCode, ".conf": CategoryCode,
	".cfg": CategoryCode,

	// Images
	".jpg": CategoryImage, ".jpeg": CategoryImage, ".png": CategoryImage,
	".gif": CategoryImage, ".bmp": CategoryImage, ".tiff": CategoryImage,
	".webp": CategoryImage, ".svg": CategoryImage,

	// Audio
	".mp3": CategoryAudio, ".wav": CategoryAudio, ".ogg": CategoryAudio,
	".flac": CategoryAudio, ".m4a": CategoryAudio, ".aac": CategoryAudio,

	// Video
	".mp4": CategoryVideo, ".avi": CategoryVideo, ".mov": CategoryVideo,
	".wmv": CategoryVideo, ".flv": CategoryVideo, ".webm": CategoryVideo,
	".mkv": CategoryVideo,

	// Executables and installers
	".exe": CategoryExecutable, ".msi": CategoryExecutable, ".dmg": CategoryExecutable,
	".pkg": CategoryExecutable, ".deb": CategoryExecutable, ".rpm": CategoryExecutable,
	".apk": CategoryExecutable, ".dll": CategoryExecutable, ".so": CategoryExecutable,
	".elf": CategoryExecutable, ".scr": CategoryExecutable, ".jar": CategoryExecutable,
}

// byMIMEPrefix resolves declared MIME types. Checked before the
// extension: senders lie about names more often than clients lie about
// detected content types.
var byMIMEPrefix = []struct {
	prefix   string
	category Category
}{
	{"image/", CategoryImage},
	{"video/", CategoryVideo},
	{"audio/", CategoryAudio},
	{"text/html", CategoryCode},
	{"text/x-", CategoryCode},
	{"application/x-sh", CategoryCode},
	{"application/javascript", CategoryCode},
	{"application/json", CategoryCode},
	{"application/xml", CategoryCode},
	{"application/zip", CategoryArchive},
	{"application/gzip", CategoryArchive},
	{"application/x-tar", CategoryArchive},
	{"application/x-7z-compressed", CategoryArchive},
	{"application/x-rar-compressed", CategoryArchive},
	{"application/x-bzip2", CategoryArchive},
	{"application/vnd.rar", CategoryArchive},
	{"application/x-msdownload", CategoryExecutable},
	{"application/x-executable", CategoryExecutable},
	{"application/x-elf", CategoryExecutable},
	{"application/vnd.android.package-archive", CategoryExecutable},
	{"application/java-archive", CategoryExecutable},
	{"application/pdf", CategoryDocument},
	{"application/msword", CategoryDocument},
	{"application/vnd.openxmlformats-officedocument", CategoryDocument},
	{"application/vnd.ms-excel", CategoryDocument},
	{"application/vnd.ms-powerpoint", CategoryDocument},
	{"application/vnd.oasis.opendocument", CategoryDocument},
	{"application/rtf", CategoryDocument},
	{"text/csv", CategoryDocument},
	{"text/plain", CategoryDocument},
}

// Classify resolves a category from a declared file name and an
// optional MIME hint. It is pure and total: unknown inputs map to
// CategoryOther. When name and hint disagree, the hint wins.
func Classify(filename, mimeHint string) Category {
	if hint := strings.ToLower(strings.TrimSpace(mimeHint)); hint != "" {
		for _, m := range byMIMEPrefix {
			if strings.HasPrefix(hint, m.prefix) {
				return m.category
			}
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if c, ok := byExtension[ext]; ok {
		return c
	}
	return CategoryOther
}
