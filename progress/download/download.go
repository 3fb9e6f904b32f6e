package download

// Phase markers for download progress events.
const (
	PhaseStart = "start" // a payload download began
	PhaseData  = "data"  // bytes received
	PhaseDone  = "done"  // a payload finished
)

// Event is emitted while driver/update payloads are downloaded.
type Event struct {
	Phase      string
	Name       string // payload name
	Index      int    // payload index within the batch
	Total      int    // number of payloads in the batch
	BytesDone  int64
	BytesTotal int64 // 0 when the server sent no Content-Length
}
