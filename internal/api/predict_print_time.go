package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/prediction"
)

// multipartMemoryLimit is how much of a parsed form stays in memory before
// spilling to temp files. Geometry uploads routinely exceed it.
const multipartMemoryLimit = 8 * 1024 * 1024

// handlePredictPrintTime predicts manufacturing time for an uploaded part.
// POST /predictions/v1/print-time - multipart form: geometry file + print parameters
//
// Form fields (snake_case accepted as fallback):
//   - geometry: the mesh file (required)
//   - material: material name (required)
//   - printer: printer model
//   - layerHeight: layer height in millimeters
//   - infill: infill percent
//   - nozzleTemp, bedTemp: temperatures in Celsius
//   - printSpeed: speed in mm/s
//
// Request validation (returns 4xx):
//   - 400 Bad Request: malformed form or non-numeric parameter
//   - 413 Content Too Large: body exceeds the configured upload cap
//   - 422 Unprocessable Entity: geometry missing, empty, or not a parseable mesh
func (s *Server) handlePredictPrintTime(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	principal := s.predictionPrincipal(w, r)
	if principal == nil {
		return
	}

	// Bound the whole upload; individual geometry size is enforced again
	// by the orchestrator against its own cap.
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
				fmt.Sprintf("Request exceeds maximum upload size of %d bytes", s.config.MaxUploadSize),
			))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Malformed multipart form: "+err.Error()))

		return
	}

	geometry, problem := s.readGeometryFile(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	req := prediction.PrintTimeRequest{
		Geometry:     geometry,
		Material:     formValue(r, "material"),
		PrinterModel: formValue(r, "printer", "printer_model"),
	}

	numeric := []struct {
		dst   *float64
		name  string
		alias string
	}{
		{&req.LayerHeightMM, "layerHeight", "layer_height"},
		{&req.InfillPercent, "infill", "infill_percent"},
		{&req.NozzleTempC, "nozzleTemp", "nozzle_temp"},
		{&req.BedTempC, "bedTemp", "bed_temp"},
		{&req.PrintSpeedMMS, "printSpeed", "print_speed"},
	}

	for _, field := range numeric {
		value, err := formFloat(r, field.name, field.alias)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(
				fmt.Sprintf("Form field %q must be a number", field.name),
			))

			return
		}

		*field.dst = value
	}

	ctx := s.callerContext(r, principal)

	resp, err := s.deps.Engine.PredictPrintTime(ctx, req)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.logger.Info("Print time predicted",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("material", req.Material),
		slog.Int("geometry_bytes", len(geometry)),
		slog.String("cache_status", string(resp.CacheStatus)),
		slog.Duration("duration", time.Since(startTime)),
	)

	s.writeJSON(w, r, http.StatusOK, resp)
}

// readGeometryFile extracts the uploaded mesh bytes from the parsed form.
func (s *Server) readGeometryFile(r *http.Request) ([]byte, *ProblemDetail) {
	file, _, err := r.FormFile("geometry")
	if err != nil {
		return nil, UnprocessableEntity("Geometry file is required")
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			s.logger.Warn("Failed to close geometry upload", slog.String("error", closeErr.Error()))
		}
	}()

	geometry, err := io.ReadAll(file)
	if err != nil {
		return nil, BadRequest("Failed to read geometry upload: " + err.Error())
	}

	return geometry, nil
}

// formValue returns the first non-empty value among the given field names.
// Clients vary between camelCase and snake_case form fields.
func formValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if value := r.FormValue(name); value != "" {
			return value
		}
	}

	return ""
}

// formFloat parses an optional numeric form field. An absent field reads
// as zero; domain validation decides whether zero is acceptable.
func formFloat(r *http.Request, names ...string) (float64, error) {
	raw := formValue(r, names...)
	if raw == "" {
		return 0, nil
	}

	return strconv.ParseFloat(raw, 64)
}
