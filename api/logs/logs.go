// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package logs

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/api/utils"
	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/oracle"
	"github.com/drpcorg/logs-oracle/query"
)

var logger = log.WithContext("pkg", "logs-api")

// DB is the part of the log db serving filter requests.
type DB interface {
	Query(ctx context.Context, f *query.Filter) ([]*block.Log, error)
	Count(ctx context.Context, f *query.Filter) (uint64, error)
	Height() (uint64, bool, error)
}

type Logs struct {
	db DB
}

func New(db DB) *Logs {
	return &Logs{db}
}

func writeError(w http.ResponseWriter, err error) error {
	msg := err.Error()
	resp := Response{Error: &msg}
	status := utils.StatusOf(err)
	if status != http.StatusBadRequest {
		code := oracle.CodeOf(err)
		resp.Code = &code
	}
	return utils.WriteJSONStatus(w, status, resp)
}

func (l *Logs) handleFilter(w http.ResponseWriter, req *http.Request) error {
	var filters []FilterJSON
	if err := utils.ParseJSON(req.Body, &filters); err != nil {
		return writeError(w, utils.BadRequest(errors.WithMessage(err, "parse error")))
	}
	if len(filters) != 1 {
		return writeError(w, utils.BadRequest(errors.New("too many arguments, want at most 1")))
	}

	head, _, err := l.db.Height()
	if err != nil {
		return writeError(w, err)
	}
	f, err := filters[0].ToFilter(head)
	if err != nil {
		return writeError(w, utils.BadRequest(err))
	}

	if filters[0].Count {
		n, err := l.db.Count(req.Context(), f)
		if err != nil {
			logger.Debug("count failed", "filter", f, "err", err)
			return writeError(w, err)
		}
		return utils.WriteJSON(w, Response{Result: n})
	}

	found, err := l.db.Query(req.Context(), f)
	if err != nil {
		logger.Debug("query failed", "filter", f, "err", err)
		return writeError(w, err)
	}
	result := make([]*LogJSON, 0, len(found))
	for _, lg := range found {
		result = append(result, ConvertLog(lg))
	}
	return utils.WriteJSON(w, Response{Result: result})
}

func (l *Logs) Mount(root *mux.Router, pathPrefix string) {
	sub := root.PathPrefix(pathPrefix).Subrouter()

	sub.Path("").
		Methods(http.MethodPost).
		Name("rpc_filter_logs").
		HandlerFunc(utils.WrapHandlerFunc(l.handleFilter))
}
