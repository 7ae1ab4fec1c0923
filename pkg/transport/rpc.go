package transport

// MembersRequest carries textual IPv4/IPv6 host addresses for add or delete.
type MembersRequest struct {
	Members []string `json:"members"`
}

// RecordStatus is the outcome of one record of a mutation.
type RecordStatus struct {
	Member string `json:"member"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MutationResponse reports every record of an add or delete, including the
// ones never attempted after a hard failure.
type MutationResponse struct {
	Op      string         `json:"op"`
	BatchID string         `json:"batchId,omitempty"`
	Applied int            `json:"applied"`
	Records []RecordStatus `json:"records"`
	Error   string         `json:"error,omitempty"`
}

type FlushResponse struct {
	Error string `json:"error,omitempty"`
}

// ShowRequest limits the snapshot size; zero returns every member.
type ShowRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ShowResponse struct {
	Core    int      `json:"core"`
	Count   int      `json:"count"`
	Members []string `json:"members"`
	Error   string   `json:"error,omitempty"`
}

// SockoptRequest is a raw opcode call with a binary payload.
type SockoptRequest struct {
	Op      int    `json:"op"`
	Get     bool   `json:"get,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// SockoptResponse carries the binary reply of a get opcode, or the mutation
// report of a set opcode.
type SockoptResponse struct {
	Data   []byte            `json:"data,omitempty"`
	Report *MutationResponse `json:"report,omitempty"`
	Error  string            `json:"error,omitempty"`
}
