package ws

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/golang/glog"

	"github.com/edupush/edupush/auth"
	"github.com/edupush/edupush/wire"
)

// RestApi is the synchronous fallback path used when the real-time channel
// is unavailable: history fetch and conversation listing over plain HTTP.
// It reads the same store as the relay; consistency with in-flight sends is
// eventual, not immediate.
type RestApi struct {
	authClient auth.Client
	relay      *Relay
}

func NewRestApi(authClient auth.Client, relay *Relay) *RestApi {
	return &RestApi{
		authClient: authClient,
		relay:      relay,
	}
}

func (a *RestApi) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/history", a.handleHistory)
	mux.HandleFunc("/api/conversations", a.handleConversations)
}

func (a *RestApi) handleHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	req := &wire.HistoryReq{}
	if v, err := strconv.ParseInt(r.URL.Query().Get("peer_id"), 10, 32); err == nil {
		req.PeerId = int32(v)
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("from_id"), 10, 64); err == nil {
		req.FromId = v
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 32); err == nil {
		req.Limit = int32(v)
	}

	resp, werr := a.relay.History(r.Context(), uid, req)
	if werr != nil {
		writeError(w, werr)
		return
	}
	writeJSON(w, resp)
}

func (a *RestApi) handleConversations(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	resp, werr := a.relay.Conversations(r.Context(), uid)
	if werr != nil {
		writeError(w, werr)
		return
	}
	writeJSON(w, resp)
}

func (a *RestApi) authenticate(w http.ResponseWriter, r *http.Request) (int32, bool) {
	uid, err := a.authClient.Auth(r)
	if err != nil {
		glog.Errorf("rest api: authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return 0, false
	}
	return uid, true
}

func writeError(w http.ResponseWriter, werr *wire.Error) {
	wire.InterceptError(werr)
	status := http.StatusInternalServerError
	if werr.Code == wire.ErrorCodeInvalidArguments {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&wire.ServerMsg{Error: werr})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("rest api: encode response err: %v", err)
	}
}
