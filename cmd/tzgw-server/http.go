package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"

	"goa.design/tzgw/auth"
	"goa.design/tzgw/client"
)

const headerAuth = client.HeaderAuth

// handleHTTPServer builds the gateway's HTTP surface per spec.md §6 and
// starts it in a background goroutine, signaling completion through errc.
// The mux/debug-mount/graceful-shutdown shape follows
// example/cmd/assistant/http.go.
func handleHTTPServer(ctx context.Context, addr string, d *client.Dispatcher, adminToken string, wg *sync.WaitGroup, errc chan error, dbg bool) {
	mux := http.NewServeMux()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}

	mount(mux, d, adminToken)

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	versioned := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(client.HeaderGatewayVersion, gatewayVersion)
		versioned.ServeHTTP(w, r)
	})
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}

// mount wires every route the remote HTTP surface in spec.md §6 names onto
// mux, each handler calling straight into the dispatcher.
func mount(mux *http.ServeMux, d *client.Dispatcher, adminToken string) {
	tel := newGatewayTelemetry()
	mux.HandleFunc("GET /status", withErrorHandling(statusHandler(d)))
	mux.HandleFunc("POST /inference", withErrorHandling(inferenceHandler(d, tel)))
	mux.HandleFunc("POST /feedback", withErrorHandling(passthroughJSON(d.Feedback)))
	mux.HandleFunc("GET /internal/object_storage", withErrorHandling(objectStorageHandler(d)))
	mux.HandleFunc("POST /dynamic_evaluation_run", withErrorHandling(passthroughJSON(d.DynamicEvaluationRun)))
	mux.HandleFunc("POST /dynamic_evaluation_run/{run_id}/episode", withErrorHandling(dynamicEvalEpisodeHandler(d)))
	mux.HandleFunc("POST /datasets/{name}/datapoints/bulk", withErrorHandling(datapointsBulkHandler(d)))
	mux.HandleFunc("GET /datasets/{name}/datapoints", withErrorHandling(datapointsListHandler(d)))
	mux.HandleFunc("GET /datasets/{name}/datapoints/{id}", withErrorHandling(datapointGetHandler(d)))
	mux.HandleFunc("DELETE /datasets/{name}/datapoints/{id}", withErrorHandling(datapointDeleteHandler(d)))

	// Admin-gated (see auth.ValidateAdminToken): the route checks the admin
	// bearer token and answers 204 through clue's debug.HTTP middleware. It
	// does not change the debug-log setting; the runtime toggle is the
	// debug-log enabler handleHTTPServer mounts when dbg is set, and that
	// one is not admin-gated.
	mux.Handle("POST /admin/debug", adminGated(adminToken, debug.HTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))))
}

func adminGated(configured string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if err := auth.ValidateAdminToken(configured, token); err != nil {
			writeError(w, classifyLocalError(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// httpHandler is the shape every route handler below implements; errors
// returned here are written uniformly by withErrorHandling.
type httpHandler func(w http.ResponseWriter, r *http.Request) error

func withErrorHandling(h httpHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			writeError(w, err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	var cerr *client.Error
	status := http.StatusInternalServerError
	msg := err.Error()
	if errors.As(err, &cerr) {
		status = cerr.HTTPStatus
		msg = cerr.Message
		if msg == "" {
			msg = cerr.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func classifyLocalError(err error) error {
	if errors.Is(err, auth.ErrAdminTokenNotConfigured) {
		return &client.Error{Kind: client.ErrorKindConfig, HTTPStatus: http.StatusInternalServerError, Message: err.Error(), Cause: err}
	}
	return &client.Error{Kind: client.ErrorKindInvalidAuthToken, HTTPStatus: http.StatusUnauthorized, Message: err.Error(), Cause: err}
}

func statusHandler(d *client.Dispatcher) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		data, err := d.Status(r.Context())
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, data)
	}
}

// inferenceHandler decodes the request body, dispatches through the
// embedded core, and writes either a single JSON response or re-emits the
// dispatcher's Streamer as an SSE stream, per spec.md §6's streaming wire
// format.
func inferenceHandler(d *client.Dispatcher, tel *gatewayTelemetry) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		var wire wireInferenceRequest
		if err := json.Unmarshal(body, &wire); err != nil {
			return &client.Error{Kind: client.ErrorKindSerialization, HTTPStatus: http.StatusBadRequest, Message: "malformed request body", Cause: err}
		}
		params, err := decodeInferenceParams(wire, r.Header.Get(headerAuth))
		if err != nil {
			return &client.Error{Kind: client.ErrorKindSerialization, HTTPStatus: http.StatusBadRequest, Message: err.Error(), Cause: err}
		}

		ctx, finish := tel.startInference(r.Context(), wire.FunctionName, wire.Stream)

		if wire.Stream {
			err := streamInference(ctx, w, d, params)
			finish(err)
			return err
		}

		res, err := d.Infer(ctx, params)
		finish(err)
		if err != nil {
			return err
		}
		wireRes := encodeInferenceResult(res)
		data, err := json.Marshal(wireRes)
		if err != nil {
			return err
		}
		w.Header().Set(client.HeaderGatewayVersion, gatewayVersion)
		return writeJSON(w, http.StatusOK, data)
	}
}

func streamInference(ctx context.Context, w http.ResponseWriter, d *client.Dispatcher, params client.InferenceParams) error {
	streamer, err := d.InferStream(ctx, params)
	if err != nil {
		return err
	}
	defer streamer.Close()

	flusher, _ := w.(http.Flusher)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set(client.HeaderGatewayVersion, gatewayVersion)
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				_, _ = w.Write([]byte("data: [DONE]\n\n"))
			} else {
				// Mid-stream error: spec.md §7 calls for one error chunk
				// followed by a clean end, not aborting the connection.
				data, _ := json.Marshal(map[string]string{"error": err.Error()})
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(data)
				_, _ = w.Write([]byte("\n\n"))
				_, _ = w.Write([]byte("data: [DONE]\n\n"))
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}
		data, err := json.Marshal(encodeChunk(chunk))
		if err != nil {
			return nil
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func objectStorageHandler(d *client.Dispatcher) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		storagePath := r.URL.Query().Get("storage_path")
		data, err := d.ObjectStorage(r.Context(), json.RawMessage(storagePath))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, data)
	}
}

func dynamicEvalEpisodeHandler(d *client.Dispatcher) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		data, err := d.DynamicEvaluationRunEpisode(r.Context(), r.PathValue("run_id"), body)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, data)
	}
}

func datapointsBulkHandler(d *client.Dispatcher) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		data, err := d.DatapointsBulk(r.Context(), r.PathValue("name"), body)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, data)
	}
}

func datapointsListHandler(d *client.Dispatcher) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		data, err := d.DatapointsList(r.Context(), r.PathValue("name"), limit, offset, q.Get("function_name"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, data)
	}
}

func datapointGetHandler(d *client.Dispatcher) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		data, err := d.DatapointGet(r.Context(), r.PathValue("name"), r.PathValue("id"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, data)
	}
}

func datapointDeleteHandler(d *client.Dispatcher) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := d.DatapointDelete(r.Context(), r.PathValue("name"), r.PathValue("id")); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

// passthroughJSON adapts a POST dispatcher method taking a raw JSON body
// into an httpHandler.
func passthroughJSON(fn func(ctx context.Context, body json.RawMessage) (json.RawMessage, error)) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		data, err := fn(r.Context(), body)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, data)
	}
}

func writeJSON(w http.ResponseWriter, status int, data json.RawMessage) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(data)
	return err
}
