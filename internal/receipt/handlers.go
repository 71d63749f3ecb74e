package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-splitter/internal/auth"
)

const (
	maxUploadSize = int64(50 << 20)
	defaultLimit  = 20
	maxLimit      = 100
)

// receiptView is the JSON shape of a receipt with its derived state
type receiptView struct {
	*Receipt
	SplitState SplitState      `json:"split_state"`
	Unclaimed  decimal.Decimal `json:"unclaimed"`
}

func newReceiptView(r *Receipt) receiptView {
	return receiptView{Receipt: r, SplitState: r.SplitState(), Unclaimed: r.Unclaimed()}
}

type outcomeView struct {
	ItemID      string `json:"item_id"`
	Product     string `json:"product"`
	Participant string `json:"participant"`
	Quantity    int    `json:"quantity"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type splitResponse struct {
	Receipt    receiptView        `json:"receipt"`
	Outcomes   []outcomeView      `json:"outcomes"`
	Settlement []SettlementResult `json:"settlement"`
}

type splitChoiceRequest struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity"`
}

type splitRequest struct {
	Choices []splitChoiceRequest `validate:"min=1,dive"`
}

type updateItemRequest struct {
	ID       string           `json:"id" validate:"required"`
	Product  *string          `json:"product" validate:"omitempty,max=300"`
	Quantity *int             `json:"quantity" validate:"omitempty,min=1"`
	Price    *decimal.Decimal `json:"price"`
}

type updateReceiptRequest struct {
	StoreName    *string             `json:"store_name" validate:"omitempty,max=300"`
	StoreAddress *string             `json:"store_address" validate:"omitempty,max=500"`
	Date         *string             `json:"date" validate:"omitempty,max=32"`
	Time         *string             `json:"time" validate:"omitempty,max=32"`
	Subtotal     *decimal.Decimal    `json:"subtotal"`
	Tip          *decimal.Decimal    `json:"tip"`
	Total        *decimal.Decimal    `json:"total"`
	Items        []updateItemRequest `json:"items" validate:"dive"`
}

type loginResponse struct {
	Token string         `json:"token"`
	User  *auth.Identity `json:"user"`
}

// writeJSON writes v as the response body with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps service errors to status codes. Storage failures
// are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var recognitionErr *RecognitionError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Receipt not found")
	case errors.Is(err, ErrOwnerRequired):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrOwnerAlreadySet):
		writeError(w, http.StatusForbidden, ErrNotOwner.Error())
	case errors.Is(err, ErrLockNotObtained):
		writeError(w, http.StatusConflict, ErrLockNotObtained.Error())
	case errors.Is(err, ErrQuantityBelowClaim), errors.Is(err, ErrWouldExceedCapacity):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidReceipt), errors.Is(err, ErrUsernameRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &recognitionErr):
		writeError(w, http.StatusBadRequest, recognitionErr.Error())
	default:
		slog.Error("Error handling request", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTelegramLogin verifies login widget data posted as a form or JSON
// object and issues a session
func (s *Server) handleTelegramLogin(w http.ResponseWriter, r *http.Request) {
	var data auth.LoginData
	if isJSON(r) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		data = make(auth.LoginData, len(body))
		for key, value := range body {
			switch v := value.(type) {
			case string:
				data[key] = v
			case float64:
				data[key] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		data = auth.LoginDataFromValues(r.PostForm)
	}

	identity, err := s.authenticator.Authenticate(r.Context(), data)
	if err != nil {
		slog.Warn("Telegram login rejected", "error", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if _, err := s.service.RegisterUser(r.Context(), identity.UserID, identity.Username); err != nil {
		writeServiceError(w, r, err)
		return
	}

	token, err := s.sessions.Issue(identity)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	http.SetCookie(w, s.sessions.Cookie(token))
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: identity})
}

// handleListReceipts returns the caller's receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query(), "limit", defaultLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := queryInt(r.URL.Query(), "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	identity := identityFrom(r.Context())
	receipts, err := s.service.ListReceipts(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	views := make([]receiptView, 0, len(receipts))
	for _, receipt := range receipts {
		views = append(views, newReceiptView(receipt))
	}
	writeJSON(w, http.StatusOK, views)
}

func queryInt(values url.Values, key string, fallback int) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// handleUploadReceipt recognizes an uploaded receipt photo
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "The uploaded file is empty.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(header.Filename))); byExt != "" {
			contentType = byExt
		}
	}

	identity := identityFrom(r.Context())
	receipt, err := s.service.Recognize(r.Context(), identity.UserID, header.Filename, data, contentType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !receipt.IsValid() {
		writeError(w, http.StatusBadRequest, "no usable receipt found")
		return
	}

	writeJSON(w, http.StatusCreated, newReceiptView(receipt))
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

// handleGetReceiptImage returns the uploaded photo of a receipt
func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptImage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		slog.Error("Error writing image", "error", err)
	}
}

// handleGetSettlement returns what each participant owes
func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	results, err := s.service.Settlement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleSplitReceipt records the caller's claims. The body is a JSON array
// of {item_id, quantity} or a form whose field names are item IDs and whose
// values are quantities.
func (s *Server) handleSplitReceipt(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseSplitRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	choices := make([]ItemChoice, 0, len(req.Choices))
	for _, c := range req.Choices {
		choices = append(choices, ItemChoice{ItemID: c.ItemID, Quantity: c.Quantity})
	}

	identity := identityFrom(r.Context())
	result, err := s.service.Split(r.Context(), r.PathValue("id"), identity.Participant(), choices)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := splitResponse{
		Receipt:    newReceiptView(result.Receipt),
		Outcomes:   make([]outcomeView, 0, len(result.Outcomes)),
		Settlement: result.Settlement,
	}
	for _, outcome := range result.Outcomes {
		view := outcomeView{
			ItemID:      outcome.Choice.ItemID,
			Product:     outcome.Item.Product,
			Participant: outcome.Choice.Participant,
			Quantity:    outcome.Choice.Quantity,
			Status:      claimOutcome(outcome.Err),
		}
		if outcome.Err != nil {
			view.Error = outcome.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parseSplitRequest(r *http.Request) (*splitRequest, error) {
	req := &splitRequest{}

	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req.Choices); err != nil {
			return nil, errors.New("invalid request body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, errors.New("invalid request body")
		}
		ids := make([]string, 0, len(r.PostForm))
		for id := range r.PostForm {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			raw := strings.TrimSpace(r.PostForm.Get(id))
			if raw == "" {
				continue
			}
			quantity, err := strconv.Atoi(raw)
			if err != nil {
				return nil, errors.New("quantity for " + id + " must be an integer")
			}
			req.Choices = append(req.Choices, splitChoiceRequest{ItemID: id, Quantity: quantity})
		}
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	return req, nil
}

// handleUpdateReceipt applies the owner's corrections
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var req updateReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationError(err).Error())
		return
	}

	update := ReceiptUpdate{
		StoreName:    req.StoreName,
		StoreAddress: req.StoreAddress,
		Date:         req.Date,
		Time:         req.Time,
		Subtotal:     req.Subtotal,
		Tip:          req.Tip,
		Total:        req.Total,
	}
	for _, item := range req.Items {
		update.Items = append(update.Items, ItemUpdate{
			ID:       item.ID,
			Product:  item.Product,
			Quantity: item.Quantity,
			Price:    item.Price,
		})
	}

	identity := identityFrom(r.Context())
	receipt, err := s.service.UpdateReceipt(r.Context(), identity.UserID, r.PathValue("id"), update)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func isJSON(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json"
}

// validationError turns validator output into one readable message
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag())
	}
	return errors.New(strings.Join(msgs, "; "))
}

type shareRequest struct {
	Username string `json:"username"`
}

// handleShareReceipt shares the caller's receipt with a username posted as
// JSON or as a form field
func (s *Server) handleShareReceipt(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		req.Username = r.PostForm.Get("username")
	}

	identity := identityFrom(r.Context())
	share, err := s.service.ShareReceipt(r.Context(), identity.UserID, r.PathValue("id"), req.Username)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.service.ListShares(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}
