// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package node

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/drpcorg/logs-oracle/api/utils"
	"github.com/drpcorg/logs-oracle/logdb"
)

// Store reports the status of a log db.
type Store interface {
	Status() (*logdb.Status, error)
}

type Node struct {
	store Store
}

func New(store Store) *Node {
	return &Node{store}
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) error {
	st, err := n.store.Status()
	if err != nil {
		return err
	}
	return utils.WriteJSON(w, st)
}

func (n *Node) Mount(root *mux.Router, pathPrefix string) {
	sub := root.PathPrefix(pathPrefix).Subrouter()

	sub.Path("").
		Methods(http.MethodGet).
		Name("node_status").
		HandlerFunc(utils.WrapHandlerFunc(n.handleStatus))
}
