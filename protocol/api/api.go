package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/kokoavailable/wavemu/configure"
	"github.com/kokoavailable/wavemu/sv"

	jwtmiddleware "github.com/auth0/go-jwt-middleware"
	"github.com/dgrijalva/jwt-go"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

type Response struct {
	w      http.ResponseWriter
	Status int         `json:"status"`
	Data   interface{} `json:"data"`
}

func (r *Response) SendJson() (int, error) {
	resp, _ := json.Marshal(r)
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(r.Status)
	return r.w.Write(resp)
}

// Controller 는 API 가 다루는 실행 중인 세션이다.
type Controller interface {
	Status() sv.Status
	Stop()
}

type StatusGetter interface {
	Get(id string) (sv.Status, error)
}

type Options struct {
	JWT     configure.JWT
	Metrics http.Handler // GET /metrics, 404 when nil
}

type Server struct {
	ctl   Controller
	store StatusGetter
	opts  Options
}

func NewServer(ctl Controller, store StatusGetter, opts Options) *Server {
	return &Server{
		ctl:   ctl,
		store: store,
		opts:  opts,
	}
}

func (s *Server) Serve(l net.Listener) error {
	return http.Serve(l, s.Handler())
}

// Handler 는 라우터에 JWT 검사, 로깅, 패닉 복구를 순서대로 씌운다.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/stat", s.handleStat).Methods(http.MethodGet)
	r.HandleFunc("/stat/{id}", s.handleStoredStat).Methods(http.MethodGet)
	r.HandleFunc("/control/stop", s.handleStop).Methods(http.MethodPost)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	recovery := negroni.NewRecovery()
	recovery.PrintStack = false
	n := negroni.New(recovery, negroni.NewLogger())
	n.UseHandler(JWTMiddleware(s.opts.JWT, r))
	return n
}

func JWTMiddleware(cfg configure.JWT, next http.Handler) http.Handler {
	if len(cfg.Secret) == 0 {
		return next
	}
	log.Info("Using JWT middleware")

	var algorithm jwt.SigningMethod
	if len(cfg.Algorithm) > 0 {
		algorithm = jwt.GetSigningMethod(cfg.Algorithm)
	}
	if algorithm == nil {
		algorithm = jwt.SigningMethodHS256
	}

	jwtMiddleware := jwtmiddleware.New(jwtmiddleware.Options{
		Extractor: jwtmiddleware.FromFirst(jwtmiddleware.FromAuthHeader,
			jwtmiddleware.FromParameter("jwt")),
		ValidationKeyGetter: func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.Secret), nil
		},
		SigningMethod: algorithm,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err string) {
			res := &Response{
				w:      w,
				Status: http.StatusForbidden,
				Data:   err,
			}
			res.SendJson()
		},
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jwtMiddleware.HandlerWithNext(w, r, next.ServeHTTP)
	})
}

// http://127.0.0.1:8090/stat
func (s *Server) handleStat(w http.ResponseWriter, req *http.Request) {
	res := &Response{w: w, Status: http.StatusOK, Data: s.ctl.Status()}
	res.SendJson()
}

// http://127.0.0.1:8090/stat/{id}
func (s *Server) handleStoredStat(w http.ResponseWriter, req *http.Request) {
	res := &Response{w: w}
	defer res.SendJson()

	st, err := s.store.Get(mux.Vars(req)["id"])
	switch {
	case errors.Is(err, configure.ErrStatusNotFound):
		res.Status = http.StatusNotFound
		res.Data = err.Error()
	case err != nil:
		res.Status = http.StatusInternalServerError
		res.Data = err.Error()
	default:
		res.Status = http.StatusOK
		res.Data = st
	}
}

// http://127.0.0.1:8090/control/stop
func (s *Server) handleStop(w http.ResponseWriter, req *http.Request) {
	s.ctl.Stop()
	log.Info("stop requested over HTTP")
	res := &Response{w: w, Status: http.StatusOK, Data: "stopping"}
	res.SendJson()
}
