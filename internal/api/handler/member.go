package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mcoot/clanharvest/internal/api/response"
	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/services/alias"
	"github.com/mcoot/clanharvest/internal/storage"
)

// MemberHandler serves read-only member, alias and snapshot data
type MemberHandler struct {
	storage storage.Storage
	ledger  *alias.Ledger
}

// NewMemberHandler creates a new member handler
func NewMemberHandler(storage storage.Storage, ledger *alias.Ledger) *MemberHandler {
	return &MemberHandler{
		storage: storage,
		ledger:  ledger,
	}
}

// List handles GET /api/v1/members
func (h *MemberHandler) List(w http.ResponseWriter, r *http.Request) {
	members, err := h.storage.ListMembers(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.MembersFromModel(members))
}

// Get handles GET /api/v1/members/{id}
func (h *MemberHandler) Get(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	response.JSON(w, http.StatusOK, response.MemberFromModel(member))
}

// Aliases handles GET /api/v1/members/{id}/aliases
func (h *MemberHandler) Aliases(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}

	aliases, err := h.ledger.ListAliases(r.Context(), member.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.AliasesFromModel(member.ID, aliases))
}

// Snapshots handles GET /api/v1/members/{id}/snapshots?limit=N.
// With a limit only the newest N snapshots are returned.
func (h *MemberHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, NewInvalidRequestError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	member, ok := h.member(w, r)
	if !ok {
		return
	}

	snapshots, err := h.storage.ListSnapshots(r.Context(), member.Username)
	if err != nil {
		WriteError(w, err)
		return
	}
	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[len(snapshots)-limit:]
	}

	resp := response.SnapshotsResponse{
		MemberID:  int64(member.ID),
		Snapshots: make([]response.Snapshot, 0, len(snapshots)),
	}
	for _, snap := range snapshots {
		resp.Snapshots = append(resp.Snapshots, response.SnapshotFromModel(snap))
	}
	response.JSON(w, http.StatusOK, resp)
}

// Resolve handles GET /api/v1/resolve?name=
func (h *MemberHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		WriteError(w, NewInvalidRequestError("name is required"))
		return
	}

	id, found, err := h.ledger.Resolve(r.Context(), name)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !found {
		WriteError(w, model.ErrAliasNotFound)
		return
	}

	member, err := h.storage.GetMember(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.ResolveResponse{
		Name:     name,
		MemberID: int64(id),
		Username: member.Username,
	})
}

// member loads the member named by the {id} path variable, writing the error
// response itself when that fails
func (h *MemberHandler) member(w http.ResponseWriter, r *http.Request) (*model.Member, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		WriteError(w, NewInvalidRequestError("member id must be a positive integer"))
		return nil, false
	}

	member, err := h.storage.GetMember(r.Context(), model.MemberID(id))
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return member, true
}
