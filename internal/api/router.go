package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(app.requireAPIKey)

	r.Post("/upload_image", app.UploadImageHandler)
	r.Post("/upload_frames", app.UploadFramesHandler)
	r.Post("/upload_video_chunk", app.UploadVideoChunkHandler)
	r.Post("/sync_db", app.SyncDBHandler)
	r.Post("/post_query", app.PostQueryHandler)
	r.Get("/get_queries", app.GetQueriesHandler)
	r.Get("/get_new_content", app.GetNewContentHandler)
	r.Get("/get_last_id", app.GetLastIDHandler)
	r.Get("/get_last_timestamp", app.GetLastTimestampHandler)
	r.Get("/ping", app.PingHandler)

	return r
}
