package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"courtbot/pkg/logx"
)

// fakePortal mimics the CourtReserve endpoints the client talks to.
type fakePortal struct {
	t   *testing.T
	srv *httptest.Server

	mu sync.Mutex

	password      string
	loginFailures int // transient 500s before login succeeds
	loginPosts    int
	session       string
	sessionSeq    int

	slots []consolidatedSlot
	lastConsolidated consolidatedRequest

	direct []int

	tokenSeq    int
	liveToken   string
	formFetches int
	omitField   string

	bookReplies []map[string]any // consumed in order; last one repeats
	submissions []url.Values

	cancels []url.Values
	charges string
}

type consolidatedSlot struct {
	ID  string `json:"Id"`
	IDs []int  `json:"AvailableCourtIds"`
}

const sessionCookie = "CR_AUTH"

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	f := &fakePortal{t: t, password: "secret"}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /Online/Account/LogIn/{org}", f.loginPage)
	mux.HandleFunc("POST /Online/Account/Login", f.login)
	mux.HandleFunc("POST /Online/Reservations/ReadConsolidated/{org}", f.authed(f.consolidated))
	mux.HandleFunc("GET /Online/AjaxController/GetAvailableCourtsMemberPortal/{org}", f.authed(f.directCourts))
	mux.HandleFunc("GET /Online/Reservations/CreateReservation/{org}", f.authed(f.wrapper))
	mux.HandleFunc("GET /Online/Reservations/CreateReservationForm/{org}", f.authed(f.form))
	mux.HandleFunc("POST /Online/ReservationsApi/CreateReservation/{org}", f.authed(f.create))
	mux.HandleFunc("POST /Online/Reservations/CancelReservation/{org}", f.authed(f.cancel))
	mux.HandleFunc("GET /Online/Payments/PendingCharges/{org}", f.authed(f.pending))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type noSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *noSleep) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return nil
}

func (f *fakePortal) client(t *testing.T, venueKey string) (*Client, *noSleep) {
	t.Helper()
	v, err := LookupVenue(venueKey, nil)
	if err != nil {
		t.Fatalf("LookupVenue: %v", err)
	}
	sl := &noSleep{}
	c, err := New(Config{AppURL: f.srv.URL, ReservationsURL: f.srv.URL, Timeout: 5 * time.Second},
		v, Credentials{Email: "player@example.com", Password: "secret"},
		WithSleeper(sl.Sleep), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sl
}

func (f *fakePortal) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// expireSession invalidates the current session cookie server-side.
func (f *fakePortal) expireSession() {
	f.mu.Lock()
	f.session = ""
	f.mu.Unlock()
}

// expireTokens invalidates every issued form token.
func (f *fakePortal) expireTokens() {
	f.mu.Lock()
	f.liveToken = ""
	f.mu.Unlock()
}

func (f *fakePortal) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(sessionCookie)
		f.mu.Lock()
		ok := err == nil && f.session != "" && ck.Value == f.session
		f.mu.Unlock()
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (f *fakePortal) loginPage(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "anon", Value: "1", Path: "/"})
	_, _ = io.WriteString(w, "<html>login</html>")
}

func (f *fakePortal) login(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginPosts++
	if _, err := r.Cookie("anon"); err != nil {
		http.Error(w, "no baseline cookie", http.StatusBadRequest)
		return
	}
	if r.Header.Get("reactsubmit") != "true" || r.URL.Query().Get("id") == "" {
		http.Error(w, "bad login request", http.StatusBadRequest)
		return
	}
	if f.loginFailures > 0 {
		f.loginFailures--
		http.Error(w, "upstream busy", http.StatusInternalServerError)
		return
	}
	var body loginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.IsAPICall {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if body.Password != f.password {
		f.writeJSON(w, map[string]any{"IsValid": false, "Message": "Invalid email or password"})
		return
	}
	f.sessionSeq++
	f.session = fmt.Sprintf("s%d", f.sessionSeq)
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: f.session, Path: "/"})
	f.writeJSON(w, map[string]any{"IsValid": true})
}

func (f *fakePortal) consolidated(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req consolidatedRequest
	if err := json.Unmarshal([]byte(r.PostForm.Get("jsonData")), &req); err != nil {
		http.Error(w, "bad jsonData", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.lastConsolidated = req
	slots := f.slots
	f.mu.Unlock()
	f.writeJSON(w, map[string]any{"Data": slots})
}

func (f *fakePortal) directCourts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	ids := f.direct
	f.mu.Unlock()
	out := make([]map[string]int, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]int{"Id": id})
	}
	f.writeJSON(w, out)
}

func (f *fakePortal) wrapper(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
		http.Error(w, "xhr only", http.StatusBadRequest)
		return
	}
	org := r.PathValue("org")
	fmt.Fprintf(w, `<div><script>
	$.ajax({ url: fixUrl('/Online/Reservations/CreateReservationForm/%s?start=%s&amp;end=%s'), type: 'GET' });
	</script></div>`, org, url.QueryEscape(r.URL.Query().Get("start")), url.QueryEscape(r.URL.Query().Get("end")))
}

func (f *fakePortal) form(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Referer"), "/Online/Reservations/CreateReservation/") {
		http.Error(w, "missing referer", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.tokenSeq++
	f.formFetches++
	f.liveToken = fmt.Sprintf("tok-%d", f.tokenSeq)
	tok := f.liveToken
	omit := f.omitField
	f.mu.Unlock()

	fields := map[string]string{
		"__RequestVerificationToken": tok,
		"Id":                         "13233",
		"OrgId":                      "13233",
		"Date":                       "10/16/2025",
		"MemberId":                   "777",
	}
	var b strings.Builder
	b.WriteString("<form>")
	for k, v := range fields {
		if k == omit {
			continue
		}
		fmt.Fprintf(&b, `<input type="hidden" name="%s" value="%s"/>`, k, v)
	}
	b.WriteString(`<input type="text" name="Notes" value="x"></form>`)
	_, _ = io.WriteString(w, b.String())
}

func (f *fakePortal) create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, r.PostForm)
	if tok := r.PostForm.Get("__RequestVerificationToken"); tok == "" || tok != f.liveToken {
		f.writeJSON(w, map[string]any{"isValid": false, "message": "The anti-forgery token could not be decrypted."})
		return
	}
	f.liveToken = "" // single use
	reply := map[string]any{"isValid": true, "message": ""}
	if len(f.bookReplies) > 0 {
		reply = f.bookReplies[0]
		if len(f.bookReplies) > 1 {
			f.bookReplies = f.bookReplies[1:]
		}
	}
	f.writeJSON(w, reply)
}

func (f *fakePortal) cancel(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.cancels = append(f.cancels, r.PostForm)
	f.mu.Unlock()
	f.writeJSON(w, map[string]any{"isValid": true})
}

func (f *fakePortal) pending(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body := f.charges
	f.mu.Unlock()
	if body == "" {
		body = "[]"
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}
