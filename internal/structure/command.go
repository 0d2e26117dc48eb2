package structure

// Command is the generator's output contract to the host crawler: fetch a
// page and recurse, download a binary, or save precomputed bytes. Commands
// are created fresh per processed response and consumed immediately.
type Command interface {
	command()
}

// RequestURLCommand asks the host to fetch URL and feed the response back
// into URLCommands together with Info.
type RequestURLCommand struct {
	URL  string
	Info URLInfo
}

// DownloadURLCommand asks the host to fetch URL as an opaque blob and write
// it to FilePath (relative to the save directory).
type DownloadURLCommand struct {
	URL      string
	FilePath string
}

// SaveFileContentCommand asks the host to write FileContent to FilePath
// without any further fetch.
type SaveFileContentCommand struct {
	FilePath    string
	FileContent []byte
}

func (RequestURLCommand) command()      {}
func (DownloadURLCommand) command()     {}
func (SaveFileContentCommand) command() {}
