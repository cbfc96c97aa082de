package twcstatus

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// NewRouter builds the diagnostic status router, grounded on the teacher's
// website.go: a single GET route, manual Fprintf-built JSON (not a
// template), and a permissive CORS header for a same-machine dashboard.
func NewRouter(store *Store) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, store)
	}).Methods("GET")
	return router
}

// ListenAndServe starts the diagnostic HTTP endpoint. It runs in its own
// goroutine from cmd/twcmasterd/main.go; it never touches controller state
// directly, only the published Store.
func ListenAndServe(addr string, store *Store) error {
	return http.ListenAndServe(addr, NewRouter(store))
}

func writeStatus(w http.ResponseWriter, store *Store) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	snap, ok := store.Load()
	if !ok {
		_, _ = fmt.Fprint(w, `{"error":"no snapshot published yet"}`)
		return
	}

	_, _ = fmt.Fprintf(w, `{
	"time":"%s",
	"ownId":"%s",
	"phase":"%s",
	"globalCapCA":%d,
	"wiringCapA":%d,
	"slaves":[`, time.Now().Format(time.RFC3339), snap.OwnID, snap.Phase, snap.GlobalCapCA, snap.WiringCapA)
	for i, s := range snap.Slaves {
		if i > 0 {
			_, _ = fmt.Fprint(w, ",")
		}
		_, _ = fmt.Fprintf(w, `
		{
			"id":"%s",
			"lastSeenAgoMs":%d,
			"reqMaxCA":%d,
			"actualCA":%d
		}`, s.ID, s.LastSeenAgo.Milliseconds(), s.ReqMaxCA, s.ActualCA)
	}
	_, _ = fmt.Fprintf(w, `
	]
}`)
}
