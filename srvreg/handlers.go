package srvreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/passport"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"gorm.io/datatypes"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// StatusFor maps an error to the HTTP status reported to the caller
func StatusFor(err error) int {
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrUnknownUnit) {
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch errs.ClassOf(err) {
	case errs.ClassInput:
		return http.StatusUnprocessableEntity
	case errs.ClassProtocol:
		return http.StatusConflict
	case errs.ClassExternal:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func errorResponse(err error) *Response {
	body := errorBody{Error: "Internal server error"}
	var e *errs.Error
	if errors.As(err, &e) {
		body = errorBody{Error: e.Message, Code: string(e.Code), Detail: e.Detail}
	}
	return jsonResponse(StatusFor(err), body)
}

func badRequest(format string, args ...any) *Response {
	return jsonResponse(http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

func jsonResponse(status int, v any) *Response {
	b, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Internal server error"}`,
		}
	}
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(b)}
}

func decodeBody(req *Request, v any) error {
	if req.Body == "" {
		return nil
	}
	return json.Unmarshal([]byte(req.Body), v)
}

// Devices

type deviceEventBody struct {
	Kind        device.Kind `json:"kind"`
	WorkbenchID string      `json:"workbench_id"`
	Payload     string      `json:"payload"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// DeviceEventHandler takes a raw read from a HID bridge and hands the identification
// to its workbench
func (sr *ServiceRegistry) DeviceEventHandler(ctx context.Context, req *Request) (*Response, error) {
	var body deviceEventBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	deviceID := req.Params["device"]
	kind := body.Kind
	if configured, ok := sr.devices[strings.ToLower(deviceID)]; ok {
		kind = configured
	}
	if body.WorkbenchID == "" {
		return badRequest("workbench_id is required"), nil
	}
	wb, err := sr.workbenches.Get(body.WorkbenchID)
	if err != nil {
		return errorResponse(err), nil
	}

	raw := device.RawEvent{
		DeviceID:    deviceID,
		Kind:        kind,
		WorkbenchID: body.WorkbenchID,
		Payload:     body.Payload,
		ReceivedAt:  body.ReceivedAt,
	}
	ev, ok, err := sr.normalizer.Normalize(ctx, raw)
	if err != nil {
		if errs.ClassOf(err) == errs.ClassInput {
			if rejectErr := wb.Unrecognized(ctx, err); rejectErr != nil {
				sr.logger.Error("Failed to report unrecognized read", "workbench", body.WorkbenchID, "err", rejectErr)
			}
		}
		return errorResponse(err), err
	}
	if !ok {
		return jsonResponse(http.StatusAccepted, map[string]string{"status": "debounced"}), nil
	}
	if err := sr.workbenches.Dispatch(*ev); err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusAccepted, map[string]any{"status": "accepted", "event": ev}), nil
}

// Units

type registerUnitBody struct {
	UnitID       string   `json:"unit_id"`
	UnitType     string   `json:"unit_type"`
	SerialNumber string   `json:"serial_number"`
	Components   []string `json:"components"`
}

type unitView struct {
	UnitID       string   `json:"unit_id"`
	UnitType     string   `json:"unit_type"`
	SerialNumber string   `json:"serial_number,omitempty"`
	FeaturedIn   string   `json:"featured_in,omitempty"`
	Components   []string `json:"components,omitempty"`
	PassportID   string   `json:"passport_id,omitempty"`
}

func newUnitView(u *models.Unit) unitView {
	v := unitView{UnitID: u.ID, UnitType: u.UnitType, Components: u.ComponentIDs()}
	if u.SerialNumber != nil {
		v.SerialNumber = *u.SerialNumber
	}
	if u.FeaturedIn != nil {
		v.FeaturedIn = *u.FeaturedIn
	}
	if u.Passport != nil {
		v.PassportID = u.Passport.ID
	}
	return v
}

func (sr *ServiceRegistry) RegisterUnitHandler(ctx context.Context, req *Request) (*Response, error) {
	var body registerUnitBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	if body.UnitID == "" || body.UnitType == "" {
		return badRequest("unit_id and unit_type are required"), nil
	}
	unit := &models.Unit{ID: body.UnitID, UnitType: body.UnitType}
	if body.SerialNumber != "" {
		unit.SerialNumber = &body.SerialNumber
	}
	if err := sr.units.CreateUnit(ctx, unit, body.Components); err != nil {
		return errorResponse(err), err
	}
	created, err := sr.units.GetUnit(ctx, unit.ID)
	if err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusCreated, newUnitView(created)), nil
}

func (sr *ServiceRegistry) GetUnitHandler(ctx context.Context, req *Request) (*Response, error) {
	unit, err := sr.units.GetUnit(ctx, req.Params["id"])
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, newUnitView(unit)), nil
}

type attachComponentsBody struct {
	Components []string `json:"components"`
}

func (sr *ServiceRegistry) AttachComponentsHandler(ctx context.Context, req *Request) (*Response, error) {
	var body attachComponentsBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	if len(body.Components) == 0 {
		return badRequest("components are required"), nil
	}
	unitID := req.Params["id"]
	if err := sr.units.AttachComponents(ctx, unitID, body.Components); err != nil {
		return errorResponse(err), err
	}
	unit, err := sr.units.GetUnit(ctx, unitID)
	if err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusOK, newUnitView(unit)), nil
}

// Workbenches

func (sr *ServiceRegistry) ListWorkbenchesHandler(_ context.Context, _ *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, sr.workbenches.Statuses()), nil
}

func (sr *ServiceRegistry) WorkbenchStatusHandler(_ context.Context, req *Request) (*Response, error) {
	wb, err := sr.workbenches.Get(req.Params["id"])
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, wb.Status()), nil
}

type selectUnitBody struct {
	UnitID string `json:"unit_id"`
}

// SelectUnitHandler selects the unit of an Identifying session by hand, for units
// whose barcode cannot be scanned
func (sr *ServiceRegistry) SelectUnitHandler(ctx context.Context, req *Request) (*Response, error) {
	var body selectUnitBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	if body.UnitID == "" {
		return badRequest("unit_id is required"), nil
	}
	wb, err := sr.workbenches.Get(req.Params["id"])
	if err != nil {
		return errorResponse(err), nil
	}
	if err := wb.SelectUnit(ctx, body.UnitID); err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusOK, wb.Status()), nil
}

type startOperationBody struct {
	OperationType string `json:"operation_type"`
}

func (sr *ServiceRegistry) StartOperationHandler(ctx context.Context, req *Request) (*Response, error) {
	var body startOperationBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	if body.OperationType == "" {
		return badRequest("operation_type is required"), nil
	}
	wb, err := sr.workbenches.Get(req.Params["id"])
	if err != nil {
		return errorResponse(err), nil
	}
	ref, err := wb.StartOperation(ctx, body.OperationType)
	if err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusCreated, ref), nil
}

type completeOperationBody struct {
	SessionID   string          `json:"session_id"`
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
	Premature   bool            `json:"premature"`
}

func (sr *ServiceRegistry) CompleteOperationHandler(ctx context.Context, req *Request) (*Response, error) {
	var body completeOperationBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	seq, err := strconv.Atoi(req.Params["seq"])
	if err != nil {
		return badRequest("Invalid operation sequence %q", req.Params["seq"]), nil
	}
	wb, err := sr.workbenches.Get(req.Params["id"])
	if err != nil {
		return errorResponse(err), nil
	}
	ref := passport.OperationRef{SessionID: body.SessionID, OperationID: body.OperationID, Seq: seq}
	op, err := wb.CompleteOperation(ctx, ref, body.Payload, body.Premature)
	if err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusOK, op), nil
}

func (sr *ServiceRegistry) CloseSessionHandler(ctx context.Context, req *Request) (*Response, error) {
	wb, err := sr.workbenches.Get(req.Params["id"])
	if err != nil {
		return errorResponse(err), nil
	}
	p, err := wb.Close(ctx)
	if err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusCreated, newPassportView(p)), nil
}

type abortSessionBody struct {
	Reason string `json:"reason"`
}

func (sr *ServiceRegistry) AbortSessionHandler(ctx context.Context, req *Request) (*Response, error) {
	var body abortSessionBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	wb, err := sr.workbenches.Get(req.Params["id"])
	if err != nil {
		return errorResponse(err), nil
	}
	if err := wb.Abort(ctx, body.Reason); err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusOK, wb.Status()), nil
}

// Passports

type passportView struct {
	PassportID  string         `json:"passport_id"`
	UnitID      string         `json:"unit_id"`
	UnitType    string         `json:"unit_type"`
	SessionID   string         `json:"session_id"`
	WorkbenchID string         `json:"workbench_id"`
	ChainHash   string         `json:"chain_hash"`
	Operations  datatypes.JSON `json:"operations"`
	Components  datatypes.JSON `json:"components,omitempty"`
	FinalizedAt time.Time      `json:"finalized_at"`
	Anchoring   *anchoringView `json:"anchoring,omitempty"`
}

func newPassportView(p *models.Passport) passportView {
	v := passportView{
		PassportID:  p.ID,
		UnitID:      p.UnitID,
		UnitType:    p.UnitType,
		SessionID:   p.SessionID,
		WorkbenchID: p.WorkbenchID,
		ChainHash:   p.ChainHash,
		Operations:  p.Operations,
		Components:  p.Components,
		FinalizedAt: p.FinalizedAt,
	}
	if p.Anchoring != nil {
		a := newAnchoringView(p.Anchoring)
		v.Anchoring = &a
	}
	return v
}

func (sr *ServiceRegistry) GetPassportHandler(ctx context.Context, req *Request) (*Response, error) {
	p, err := sr.units.GetPassport(ctx, req.Params["ref"])
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, newPassportView(p)), nil
}

type verifyView struct {
	PassportID string `json:"passport_id"`
	ChainHash  string `json:"chain_hash"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

// VerifyPassportHandler recomputes the chain hash from the stored operations
func (sr *ServiceRegistry) VerifyPassportHandler(ctx context.Context, req *Request) (*Response, error) {
	p, err := sr.units.GetPassport(ctx, req.Params["ref"])
	if err != nil {
		return errorResponse(err), nil
	}
	valid, err := passport.Verify(p)
	view := verifyView{PassportID: p.ID, ChainHash: p.ChainHash, Valid: valid}
	if err != nil {
		view.Error = err.Error()
	}
	return jsonResponse(http.StatusOK, view), nil
}

func (sr *ServiceRegistry) PassportDocumentHandler(ctx context.Context, req *Request) (*Response, error) {
	p, err := sr.units.GetPassport(ctx, req.Params["ref"])
	if err != nil {
		return errorResponse(err), nil
	}
	unit, err := sr.units.GetUnit(ctx, p.UnitID)
	if err != nil {
		return errorResponse(err), err
	}
	doc, err := passport.Render(p, unit)
	if err != nil {
		return errorResponse(err), err
	}
	return &Response{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":   "application/yaml",
			"X-Content-Hash": passport.ContentHash(doc),
		},
		Body: string(doc),
	}, nil
}

// Anchoring

type anchoringView struct {
	PassportHash  string    `json:"passport_hash"`
	PassportID    string    `json:"passport_id"`
	UnitID        string    `json:"unit_id"`
	ContentHash   string    `json:"content_hash"`
	Status        string    `json:"status"`
	Locator       string    `json:"locator,omitempty"`
	TxRef         string    `json:"tx_ref,omitempty"`
	BlockHeight   int64     `json:"block_height,omitempty"`
	Attempts      int       `json:"attempts"`
	Requeued      int       `json:"requeued"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newAnchoringView(a *models.AnchoringRecord) anchoringView {
	v := anchoringView{
		PassportHash:  a.PassportHash,
		PassportID:    a.PassportID,
		UnitID:        a.UnitID,
		ContentHash:   a.ContentHash,
		Status:        a.Status,
		BlockHeight:   a.BlockHeight,
		Attempts:      a.Attempts,
		Requeued:      a.Requeued,
		LastError:     a.LastError,
		NextAttemptAt: a.NextAttemptAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if a.Locator != nil {
		v.Locator = *a.Locator
	}
	if a.TxRef != nil {
		v.TxRef = *a.TxRef
	}
	return v
}

func (sr *ServiceRegistry) FailedAnchoringHandler(ctx context.Context, _ *Request) (*Response, error) {
	records, err := sr.anchoring.Failed(ctx)
	if err != nil {
		return errorResponse(err), err
	}
	views := make([]anchoringView, 0, len(records))
	for i := range records {
		views = append(views, newAnchoringView(&records[i]))
	}
	return jsonResponse(http.StatusOK, views), nil
}

func (sr *ServiceRegistry) AnchoringStatusHandler(ctx context.Context, req *Request) (*Response, error) {
	record, err := sr.anchoring.Status(ctx, req.Params["hash"])
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, newAnchoringView(record)), nil
}

type requeueBody struct {
	RequestedBy string `json:"requested_by"`
}

// RequeueAnchoringHandler is the operator action that takes a permanently failed
// record back into the queue
func (sr *ServiceRegistry) RequeueAnchoringHandler(ctx context.Context, req *Request) (*Response, error) {
	var body requeueBody
	if err := decodeBody(req, &body); err != nil {
		return badRequest("Invalid body format: %s", err.Error()), err
	}
	if body.RequestedBy == "" {
		return badRequest("requested_by is required"), nil
	}
	record, err := sr.anchoring.Requeue(ctx, req.Params["hash"], body.RequestedBy)
	if err != nil {
		return errorResponse(err), err
	}
	return jsonResponse(http.StatusOK, newAnchoringView(record)), nil
}
