package apx

// FileEntry is one entry of the container manifest: the path the file
// installs to, relative to the filesystem root, its content checksum
// and its permission bits.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Mode   uint32 `json:"mode"`
}

// Metadata is the identity block of a native container, carried as
// zstd-compressed JSON between the header and the content stream.
type Metadata struct {
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Architecture string      `json:"architecture"`
	Depends      []string    `json:"depends,omitempty"`
	Conflicts    []string    `json:"conflicts,omitempty"`
	Provides     []string    `json:"provides,omitempty"`
	Replaces     []string    `json:"replaces,omitempty"`
	Size         int64       `json:"size"`
	Files        []FileEntry `json:"files"`
	PreHook      string      `json:"pre_hook,omitempty"`
	PostHook     string      `json:"post_hook,omitempty"`
}
