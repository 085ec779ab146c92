package meta

// ProtocolVersion is carried by every NETDUMP request and response. A server only
// answers requests carrying exactly this version.
const (
	ProtocolVersion = 1

	// ClientAPIVersion is bumped when the client CLI output (info JSON, file layout of
	// a full dump) changes incompatibly.
	ClientAPIVersion = 1
)

// Following variables are filled in by main.go
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`

	ProtocolVersion  int `json:"protocolVersion"`
	ClientAPIVersion int `json:"clientAPIVersion"`
}

func GetVersion() VersionOutput {
	return VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		ProtocolVersion:  ProtocolVersion,
		ClientAPIVersion: ClientAPIVersion,
	}
}
