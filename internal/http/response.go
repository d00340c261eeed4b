package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the envelope every admin API endpoint answers with.
type Response struct {
	Status Status            `json:"status,omitempty"`
	Value  string            `json:"value,omitempty"`
	Keys   []string          `json:"keys,omitempty"`
	Info   map[string]string `json:"info,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewKeysResponse(keys []string) Response {
	return Response{Status: StatusSuccess, Keys: keys}
}

func NewInfoResponse(info map[string]string) Response {
	return Response{Status: StatusSuccess, Info: info}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
