package manifest

// FileName is the manifest inside an image directory.
const FileName = "manifest.yaml"

type SystemInfo struct {
	Hostname   string `yaml:"hostname"`
	OS         string `yaml:"os"`
	Kernel     string `yaml:"kernel"`
	ZFSVersion struct {
		Userland string `yaml:"userland"`
		Kernel   string `yaml:"kernel"`
	} `yaml:"zfs_version"`
}

// Stream is one dataset of the exported jail, sent on its own.
type Stream struct {
	// Dataset is relative to the jail dataset; empty for the jail dataset
	// itself.
	Dataset    string `yaml:"dataset"`
	File       string `yaml:"file"`
	Blake3Hash string `yaml:"blake3_hash"`
	Bytes      int64  `yaml:"bytes"`
}

type Image struct {
	Name         string     `yaml:"name"`
	ID           string     `yaml:"id"`
	Category     string     `yaml:"category"`
	Release      string     `yaml:"release"`
	Datetime     int64      `yaml:"datetime"`
	System       SystemInfo `yaml:"system"`
	Pool         string     `yaml:"pool"`
	Snapshot     string     `yaml:"snapshot"`
	AgePublicKey string     `yaml:"age_public_key,omitempty"`
	Streams      []Stream   `yaml:"streams"`
	S3Path       string     `yaml:"s3_path,omitempty"`
}

// Encrypted reports whether the streams were written through age.
func (m *Image) Encrypted() bool {
	return m.AgePublicKey != ""
}
