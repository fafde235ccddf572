package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/taogames/pollio"
	"github.com/taogames/pollio/config"
	"github.com/taogames/pollio/message"
	"github.com/taogames/pollio/observability"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	confPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		panic(err)
	}
	logger, err := observability.NewLogger(conf.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	s := pollio.NewServer(
		pollio.WithPingInterval(time.Duration(conf.PingIntervalMS)*time.Millisecond),
		pollio.WithPingTimeout(time.Duration(conf.PingTimeoutMS)*time.Millisecond),
		pollio.WithMaxPayload(conf.MaxPayload),
		pollio.WithLogger(sugar),
		pollio.WithHeaders(cors),
	)
	defer s.Close()

	r := mux.NewRouter()
	r.PathPrefix(conf.Path).Handler(s)
	r.Use(corsMiddleware)

	var handler http.Handler = r
	if conf.EnableH2C {
		handler = h2c.NewHandler(r, &http2.Server{})
	}

	go func() {
		for sess := range s.Accept() {
			go echo(sugar, sess)
		}
	}()

	sugar.Infow("listening", "addr", conf.Addr, "path", conf.Path, "h2c", conf.EnableH2C)
	if err := http.ListenAndServe(conf.Addr, handler); err != nil {
		sugar.Fatal(err)
	}
}

func echo(logger *zap.SugaredLogger, sess *pollio.Session) {
	logger = logger.With("sid", sess.ID())
	logger.Infof("accepted EIO%d session", sess.Protocol())

	for {
		mt, bs, err := sess.ReadMessage()
		if err != nil {
			logger.Infow("session over", "err", err, "reason", sess.Err())
			return
		}
		logger.Debugf("ReadMessage %s", bs)

		if err := sess.WriteMessage(&message.Message{Type: mt, Data: bs}); err != nil {
			logger.Infow("WriteMessage", "err", err)
			return
		}
	}
}

// cors decorates data request responses. The engine only applies it to
// POSTs; corsMiddleware covers polls and preflights.
func cors(r *http.Request, base http.Header) http.Header {
	if origin := r.Header.Get("Origin"); origin != "" {
		base.Set("Access-Control-Allow-Origin", origin)
		base.Set("Access-Control-Allow-Credentials", "true")
	}
	return base
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		cors(r, w.Header())

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
