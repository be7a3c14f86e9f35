package protocol

import "github.com/martiangreed/marathon/internal/ids"

// UsageMetrics tracks agent resource consumption. Counts are additive
// across reports and stored as signed 64-bit integers on the wire even
// though they never go negative, per the codec's big-endian-signed
// convention for numeric fields (§4.A).
type UsageMetrics struct {
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64
	CacheWriteTokens int64
	ToolCalls       int64
	ComputeTimeMs   int64
}

func (m UsageMetrics) encode(w *Writer) {
	w.I64(m.InputTokens)
	w.I64(m.OutputTokens)
	w.I64(m.CacheReadTokens)
	w.I64(m.CacheWriteTokens)
	w.I64(m.ToolCalls)
	w.I64(m.ComputeTimeMs)
}

func decodeUsageMetrics(r *Reader) (UsageMetrics, error) {
	var m UsageMetrics
	var err error
	if m.InputTokens, err = r.I64(); err != nil {
		return m, err
	}
	if m.OutputTokens, err = r.I64(); err != nil {
		return m, err
	}
	if m.CacheReadTokens, err = r.I64(); err != nil {
		return m, err
	}
	if m.CacheWriteTokens, err = r.I64(); err != nil {
		return m, err
	}
	if m.ToolCalls, err = r.I64(); err != nil {
		return m, err
	}
	if m.ComputeTimeMs, err = r.I64(); err != nil {
		return m, err
	}
	return m, nil
}

// EnvVar is one entry of an execute_request's env_vars list.
type EnvVar struct {
	Key   string
	Value string
}

// OutputType distinguishes stdout from stderr output events.
type OutputType byte

const (
	OutputStdout OutputType = 0
	OutputStderr OutputType = 1
)

// OutputEvent is one entry of a heartbeat's pending_output list, and
// the shape pushed into the executor's bounded output buffer.
type OutputEvent struct {
	TaskID     ids.ID
	OutputType OutputType
	TimestampMs int64
	Data       []byte
}

func (e OutputEvent) encode(w *Writer) {
	w.Raw16(e.TaskID)
	w.U8(byte(e.OutputType))
	w.I64(e.TimestampMs)
	w.LenBytes(e.Data)
}

func decodeOutputEvent(r *Reader) (OutputEvent, error) {
	var e OutputEvent
	id, err := r.Raw16()
	if err != nil {
		return e, err
	}
	e.TaskID = ids.ID(id)
	ot, err := r.U8()
	if err != nil {
		return e, err
	}
	e.OutputType = OutputType(ot)
	if e.TimestampMs, err = r.I64(); err != nil {
		return e, err
	}
	if e.Data, err = r.LenBytes(); err != nil {
		return e, err
	}
	return e, nil
}

// TaskResultReport is one entry of a heartbeat's completed_tasks list.
type TaskResultReport struct {
	TaskID       ids.ID
	Success      bool
	ErrorMessage *string
	Metrics      UsageMetrics
	PrURL        *string
}

func (rep TaskResultReport) encode(w *Writer) {
	w.Raw16(rep.TaskID)
	w.Bool(rep.Success)
	w.OptionalString(rep.ErrorMessage)
	rep.Metrics.encode(w)
	w.OptionalString(rep.PrURL)
}

func decodeTaskResultReport(r *Reader) (TaskResultReport, error) {
	var rep TaskResultReport
	id, err := r.Raw16()
	if err != nil {
		return rep, err
	}
	rep.TaskID = ids.ID(id)
	if rep.Success, err = r.Bool(); err != nil {
		return rep, err
	}
	if rep.ErrorMessage, err = r.OptionalString(); err != nil {
		return rep, err
	}
	if rep.Metrics, err = decodeUsageMetrics(r); err != nil {
		return rep, err
	}
	if rep.PrURL, err = r.OptionalString(); err != nil {
		return rep, err
	}
	return rep, nil
}

// ExecuteRequest carries everything a guest agent needs to run one
// task. It is embedded both in a heartbeat_response command and in a
// vsock_start payload sent to the guest, since the two share the exact
// field set per §4.E/§6.1.
type ExecuteRequest struct {
	TaskID             ids.ID
	RepoURL            string
	Branch             string
	Prompt             string
	GithubToken        string
	ModelAPIKey        string
	CreatePR           bool
	PrTitle            *string
	PrBody             *string
	MaxIterations      *uint32
	CompletionPromise  *string
	EnvVars            []EnvVar
}

func (req ExecuteRequest) encode(w *Writer) {
	w.Raw16(req.TaskID)
	w.String(req.RepoURL)
	w.String(req.Branch)
	w.String(req.Prompt)
	w.String(req.GithubToken)
	w.String(req.ModelAPIKey)
	w.Bool(req.CreatePR)
	w.OptionalString(req.PrTitle)
	w.OptionalString(req.PrBody)
	w.OptionalU32(req.MaxIterations)
	w.OptionalString(req.CompletionPromise)
	w.U32(uint32(len(req.EnvVars)))
	for _, ev := range req.EnvVars {
		w.String(ev.Key)
		w.String(ev.Value)
	}
}

func decodeExecuteRequest(r *Reader) (ExecuteRequest, error) {
	var req ExecuteRequest
	id, err := r.Raw16()
	if err != nil {
		return req, err
	}
	req.TaskID = ids.ID(id)
	if req.RepoURL, err = r.String(); err != nil {
		return req, err
	}
	if req.Branch, err = r.String(); err != nil {
		return req, err
	}
	if req.Prompt, err = r.String(); err != nil {
		return req, err
	}
	if req.GithubToken, err = r.String(); err != nil {
		return req, err
	}
	if req.ModelAPIKey, err = r.String(); err != nil {
		return req, err
	}
	if req.CreatePR, err = r.Bool(); err != nil {
		return req, err
	}
	if req.PrTitle, err = r.OptionalString(); err != nil {
		return req, err
	}
	if req.PrBody, err = r.OptionalString(); err != nil {
		return req, err
	}
	if req.MaxIterations, err = r.OptionalU32(); err != nil {
		return req, err
	}
	if req.CompletionPromise, err = r.OptionalString(); err != nil {
		return req, err
	}
	n, err := r.U32()
	if err != nil {
		return req, err
	}
	req.EnvVars = make([]EnvVar, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.String()
		if err != nil {
			return req, err
		}
		v, err := r.String()
		if err != nil {
			return req, err
		}
		req.EnvVars = append(req.EnvVars, EnvVar{Key: k, Value: v})
	}
	return req, nil
}

// CommandType identifies a heartbeat_response command's shape.
type CommandType byte

const (
	CommandExecuteTask CommandType = 1
	CommandCancelTask  CommandType = 2
	CommandDrain       CommandType = 3
	CommandWarmPool    CommandType = 4
)

// Command is one entry of a heartbeat_response's commands list.
type Command struct {
	CommandType    CommandType
	ExecuteRequest *ExecuteRequest
	WarmPoolTarget *uint32
}

func (c Command) encode(w *Writer) {
	w.U8(byte(c.CommandType))
	if c.ExecuteRequest == nil {
		w.Bool(false)
	} else {
		w.Bool(true)
		c.ExecuteRequest.encode(w)
	}
	w.OptionalU32(c.WarmPoolTarget)
}

func decodeCommand(r *Reader) (Command, error) {
	var c Command
	ct, err := r.U8()
	if err != nil {
		return c, err
	}
	c.CommandType = CommandType(ct)
	hasReq, err := r.Bool()
	if err != nil {
		return c, err
	}
	if hasReq {
		req, err := decodeExecuteRequest(r)
		if err != nil {
			return c, err
		}
		c.ExecuteRequest = &req
	}
	if c.WarmPoolTarget, err = r.OptionalU32(); err != nil {
		return c, err
	}
	return c, nil
}

// HeartbeatRequest is the node->orchestrator heartbeat payload (§6.1).
type HeartbeatRequest struct {
	NodeID              ids.ID
	TimestampMs         int64
	AuthToken           [32]byte
	Hostname            string
	TotalVMSlots        uint32
	ActiveVMs           uint32
	WarmVMs             uint32
	CPUUsage            float64
	MemoryUsage         float64
	DiskAvailableBytes  int64
	Healthy             bool
	Draining            bool
	CompletedTasks      []TaskResultReport
	PendingOutput       []OutputEvent
}

// EncodeHeartbeatRequest serializes a HeartbeatRequest as a
// heartbeat_request payload.
func EncodeHeartbeatRequest(req HeartbeatRequest) []byte {
	w := NewWriter()
	w.Raw16(req.NodeID)
	w.I64(req.TimestampMs)
	w.Bytes32(req.AuthToken)
	w.String(req.Hostname)
	w.U32(req.TotalVMSlots)
	w.U32(req.ActiveVMs)
	w.U32(req.WarmVMs)
	w.F64(req.CPUUsage)
	w.F64(req.MemoryUsage)
	w.I64(req.DiskAvailableBytes)
	w.Bool(req.Healthy)
	w.Bool(req.Draining)
	w.U32(uint32(len(req.CompletedTasks)))
	for _, t := range req.CompletedTasks {
		t.encode(w)
	}
	w.U32(uint32(len(req.PendingOutput)))
	for _, o := range req.PendingOutput {
		o.encode(w)
	}
	return w.Bytes()
}

// DecodeHeartbeatRequest parses a heartbeat_request payload.
func DecodeHeartbeatRequest(payload []byte) (HeartbeatRequest, error) {
	var req HeartbeatRequest
	r := NewReader(payload)
	id, err := r.Raw16()
	if err != nil {
		return req, err
	}
	req.NodeID = ids.ID(id)
	if req.TimestampMs, err = r.I64(); err != nil {
		return req, err
	}
	if req.AuthToken, err = r.Bytes32(); err != nil {
		return req, err
	}
	if req.Hostname, err = r.String(); err != nil {
		return req, err
	}
	if req.TotalVMSlots, err = r.U32(); err != nil {
		return req, err
	}
	if req.ActiveVMs, err = r.U32(); err != nil {
		return req, err
	}
	if req.WarmVMs, err = r.U32(); err != nil {
		return req, err
	}
	if req.CPUUsage, err = r.F64(); err != nil {
		return req, err
	}
	if req.MemoryUsage, err = r.F64(); err != nil {
		return req, err
	}
	if req.DiskAvailableBytes, err = r.I64(); err != nil {
		return req, err
	}
	if req.Healthy, err = r.Bool(); err != nil {
		return req, err
	}
	if req.Draining, err = r.Bool(); err != nil {
		return req, err
	}
	nTasks, err := r.U32()
	if err != nil {
		return req, err
	}
	req.CompletedTasks = make([]TaskResultReport, 0, nTasks)
	for i := uint32(0); i < nTasks; i++ {
		t, err := decodeTaskResultReport(r)
		if err != nil {
			return req, err
		}
		req.CompletedTasks = append(req.CompletedTasks, t)
	}
	nOutput, err := r.U32()
	if err != nil {
		return req, err
	}
	req.PendingOutput = make([]OutputEvent, 0, nOutput)
	for i := uint32(0); i < nOutput; i++ {
		o, err := decodeOutputEvent(r)
		if err != nil {
			return req, err
		}
		req.PendingOutput = append(req.PendingOutput, o)
	}
	return req, nil
}

// HeartbeatResponse is the orchestrator->node heartbeat reply.
type HeartbeatResponse struct {
	Commands []Command
}

// EncodeHeartbeatResponse serializes a HeartbeatResponse.
func EncodeHeartbeatResponse(resp HeartbeatResponse) []byte {
	w := NewWriter()
	w.U32(uint32(len(resp.Commands)))
	for _, c := range resp.Commands {
		c.encode(w)
	}
	return w.Bytes()
}

// DecodeHeartbeatResponse parses a heartbeat_response payload.
func DecodeHeartbeatResponse(payload []byte) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	r := NewReader(payload)
	n, err := r.U32()
	if err != nil {
		return resp, err
	}
	resp.Commands = make([]Command, 0, n)
	for i := uint32(0); i < n; i++ {
		c, err := decodeCommand(r)
		if err != nil {
			return resp, err
		}
		resp.Commands = append(resp.Commands, c)
	}
	return resp, nil
}

// ErrorResponse carries a classified protocol-level error back to the
// sender (e.g. AUTH_FAILED from the orchestrator).
type ErrorResponse struct {
	Code    string
	Message string
}

// EncodeErrorResponse serializes an ErrorResponse.
func EncodeErrorResponse(e ErrorResponse) []byte {
	w := NewWriter()
	w.String(e.Code)
	w.String(e.Message)
	return w.Bytes()
}

// DecodeErrorResponse parses an error_response payload.
func DecodeErrorResponse(payload []byte) (ErrorResponse, error) {
	var e ErrorResponse
	r := NewReader(payload)
	var err error
	if e.Code, err = r.String(); err != nil {
		return e, err
	}
	if e.Message, err = r.String(); err != nil {
		return e, err
	}
	return e, nil
}

// EncodeVsockStart serializes the vsock_start payload sent to a guest,
// which is field-for-field identical to ExecuteRequest (§4.E).
func EncodeVsockStart(req ExecuteRequest) []byte {
	w := NewWriter()
	req.encode(w)
	return w.Bytes()
}

// DecodeVsockStart parses a vsock_start payload.
func DecodeVsockStart(payload []byte) (ExecuteRequest, error) {
	return decodeExecuteRequest(NewReader(payload))
}

// VsockOutputPayload is the guest->host vsock_output payload. The
// timestamp is stamped by the host on receipt rather than carried on
// the wire, since the guest has no reliable shared clock with the host.
type VsockOutputPayload struct {
	OutputType OutputType
	Data       []byte
}

// EncodeVsockOutput serializes a vsock_output payload.
func EncodeVsockOutput(p VsockOutputPayload) []byte {
	w := NewWriter()
	w.U8(byte(p.OutputType))
	w.LenBytes(p.Data)
	return w.Bytes()
}

// DecodeVsockOutput parses a vsock_output payload.
func DecodeVsockOutput(payload []byte) (VsockOutputPayload, error) {
	var p VsockOutputPayload
	r := NewReader(payload)
	ot, err := r.U8()
	if err != nil {
		return p, err
	}
	p.OutputType = OutputType(ot)
	if p.Data, err = r.LenBytes(); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeVsockMetrics serializes a vsock_metrics payload.
func EncodeVsockMetrics(m UsageMetrics) []byte {
	w := NewWriter()
	m.encode(w)
	return w.Bytes()
}

// DecodeVsockMetrics parses a vsock_metrics payload.
func DecodeVsockMetrics(payload []byte) (UsageMetrics, error) {
	return decodeUsageMetrics(NewReader(payload))
}

// VsockProgressPayload is the guest->host vsock_progress payload.
type VsockProgressPayload struct {
	Iteration uint32
	Max       uint32
	Status    string
}

// EncodeVsockProgress serializes a vsock_progress payload.
func EncodeVsockProgress(p VsockProgressPayload) []byte {
	w := NewWriter()
	w.U32(p.Iteration)
	w.U32(p.Max)
	w.String(p.Status)
	return w.Bytes()
}

// DecodeVsockProgress parses a vsock_progress payload.
func DecodeVsockProgress(payload []byte) (VsockProgressPayload, error) {
	var p VsockProgressPayload
	r := NewReader(payload)
	var err error
	if p.Iteration, err = r.U32(); err != nil {
		return p, err
	}
	if p.Max, err = r.U32(); err != nil {
		return p, err
	}
	if p.Status, err = r.String(); err != nil {
		return p, err
	}
	return p, nil
}

// VsockCompletePayload is the guest->host vsock_complete payload.
type VsockCompletePayload struct {
	ExitCode     int64
	PrURL        *string
	Metrics      UsageMetrics
	Iteration    uint32
	PromiseFound bool
}

// EncodeVsockComplete serializes a vsock_complete payload.
func EncodeVsockComplete(p VsockCompletePayload) []byte {
	w := NewWriter()
	w.I64(p.ExitCode)
	w.OptionalString(p.PrURL)
	p.Metrics.encode(w)
	w.U32(p.Iteration)
	w.Bool(p.PromiseFound)
	return w.Bytes()
}

// DecodeVsockComplete parses a vsock_complete payload.
func DecodeVsockComplete(payload []byte) (VsockCompletePayload, error) {
	var p VsockCompletePayload
	r := NewReader(payload)
	var err error
	if p.ExitCode, err = r.I64(); err != nil {
		return p, err
	}
	if p.PrURL, err = r.OptionalString(); err != nil {
		return p, err
	}
	if p.Metrics, err = decodeUsageMetrics(r); err != nil {
		return p, err
	}
	if p.Iteration, err = r.U32(); err != nil {
		return p, err
	}
	if p.PromiseFound, err = r.Bool(); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeVsockError serializes a vsock_error payload (a bare message).
func EncodeVsockError(message string) []byte {
	w := NewWriter()
	w.String(message)
	return w.Bytes()
}

// DecodeVsockError parses a vsock_error payload.
func DecodeVsockError(payload []byte) (string, error) {
	return NewReader(payload).String()
}
