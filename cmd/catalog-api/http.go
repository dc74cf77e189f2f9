package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/aspectstore"
	"github.com/metahub-platform/metahub/pkg/consumers"
	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/graphindex"
	"github.com/metahub-platform/metahub/pkg/processor"
	"github.com/metahub-platform/metahub/pkg/readcache"
	"github.com/metahub-platform/metahub/pkg/registry"
	"github.com/metahub-platform/metahub/pkg/retention"
	"github.com/metahub-platform/metahub/pkg/searchindex"
)

var errDatabaseDown = errors.New("database is not reachable")

type apiServer struct {
	registry    *registry.Registry
	store       *aspectstore.Store
	processor   *processor.Processor
	cache       *readcache.Cache
	docs        searchindex.DocStore
	searchCache *internal.TieredCache
	graph       *graphindex.Indexer
	runner      *consumers.Runner
	restorer    *retention.Service
}

// SetupRestAPI initializes the REST API and starts listening.
func SetupRestAPI(api *apiServer) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/aspects", api.submitProposalHandler)
		v1.POST("/aspects/batch", api.batchGetHandler)
		v1.GET("/entities/:urn/aspects/:aspect", api.getAspectHandler)
		v1.GET("/entities/:urn/aspects/:aspect/versions", api.listVersionsHandler)
		v1.GET("/entities/:urn/doc", api.getDocHandler)
		v1.GET("/entities/:urn/relationships", api.neighborsHandler)
		v1.GET("/search", api.searchHandler)
		v1.GET("/browse", api.browseHandler)
		v1.POST("/indices/restore", api.restoreHandler)
		v1.GET("/stats", api.statsHandler)
	}

	apiPort, err := env.GetAsString("API_PORT", false, ":80")
	if err != nil {
		zap.S().Fatalf("Failed to read API_PORT: %s", err)
	}
	if err := router.Run(apiPort); err != nil {
		zap.S().Fatalf("Failed to run API server: %s", err)
	}
}

type proposalRequest struct {
	Urn         string          `json:"urn" binding:"required"`
	Aspect      string          `json:"aspect" binding:"required"`
	ChangeType  string          `json:"changeType" binding:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Message     string          `json:"message,omitempty"`
	RunID       string          `json:"runId,omitempty"`
}

type proposalResponse struct {
	Urn          string                     `json:"urn"`
	Aspect       string                     `json:"aspect"`
	State        string                     `json:"state"`
	Sequence     int64                      `json:"sequence"`
	Deduplicated bool                       `json:"deduplicated,omitempty"`
	Validation   datamodel.ValidationResult `json:"validation,omitempty"`
}

func (api *apiServer) submitProposalHandler(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	urn, err := datamodel.ParseUrn(req.Urn)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proposal := datamodel.MetadataChangeProposal{
		Urn:         urn,
		EntityType:  urn.EntityType,
		Aspect:      req.Aspect,
		ChangeType:  datamodel.ChangeType(req.ChangeType),
		Payload:     req.Payload,
		ContentType: req.ContentType,
	}
	if req.Actor != "" || req.Message != "" {
		proposal.Audit = &datamodel.AuditStamp{Actor: req.Actor, Time: time.Now().UTC(), Message: req.Message}
	}
	if req.RunID != "" {
		proposal.System = &datamodel.SystemMetadata{RunID: req.RunID}
	}

	result, err := api.processor.SubmitProposal(c.Request.Context(), proposal)
	if err != nil {
		c.JSON(proposalErrorStatus(err), gin.H{
			"error":      err.Error(),
			"state":      string(result.State),
			"validation": result.Validation,
		})
		return
	}

	api.cache.Invalidate(urn, req.Aspect)
	c.JSON(http.StatusOK, proposalResponse{
		Urn:          urn.String(),
		Aspect:       req.Aspect,
		State:        string(result.State),
		Sequence:     result.Sequence,
		Deduplicated: result.Deduplicated,
	})
}

func proposalErrorStatus(err error) int {
	switch {
	case errors.Is(err, processor.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, processor.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, processor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, processor.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, aspectstore.ErrConcurrentModification):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (api *apiServer) getAspectHandler(c *gin.Context) {
	urn, err := datamodel.ParseUrn(c.Param("urn"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	aspect := c.Param("aspect")

	var record *datamodel.AspectRecord
	if rawVersion, versioned := c.GetQuery("version"); versioned {
		version, parseErr := strconv.ParseInt(rawVersion, 10, 64)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
			return
		}
		record, err = api.store.GetVersion(c.Request.Context(), urn, aspect, version)
	} else {
		record, err = api.cache.GetLatest(c.Request.Context(), urn, aspect)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if record == nil || record.IsTombstone() {
		c.JSON(http.StatusNotFound, gin.H{"error": "aspect not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (api *apiServer) listVersionsHandler(c *gin.Context) {
	urn, err := datamodel.ParseUrn(c.Param("urn"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, err := api.store.ListVersions(c.Request.Context(), urn, c.Param("aspect"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"urn": urn.String(), "versions": records})
}

type batchGetRequest struct {
	Urns    []string `json:"urns" binding:"required"`
	Aspects []string `json:"aspects" binding:"required"`
}

func (api *apiServer) batchGetHandler(c *gin.Context) {
	var req batchGetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	urns := make([]datamodel.Urn, 0, len(req.Urns))
	for _, raw := range req.Urns {
		urn, err := datamodel.ParseUrn(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		urns = append(urns, urn)
	}

	fetched, err := api.cache.BatchGetLatest(c.Request.Context(), urns, req.Aspects)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Keyed by raw urn for JSON clients.
	response := make(map[string]map[string]*datamodel.AspectRecord, len(fetched))
	for urn, byAspect := range fetched {
		response[urn.String()] = byAspect
	}
	c.JSON(http.StatusOK, gin.H{"results": response})
}

func (api *apiServer) getDocHandler(c *gin.Context) {
	doc, err := api.docs.GetDoc(c.Request.Context(), c.Param("urn"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (api *apiServer) searchHandler(c *gin.Context) {
	entityType := c.Query("entityType")
	field := c.Query("field")
	value := c.Query("value")
	if entityType == "" || field == "" || value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entityType, field and value are required"})
		return
	}
	api.serveFacet(c, searchindex.FacetKey(entityType, field, value))
}

func (api *apiServer) browseHandler(c *gin.Context) {
	entityType := c.Query("entityType")
	path := c.Query("path")
	if entityType == "" || path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entityType and path are required"})
		return
	}
	api.serveFacet(c, searchindex.FacetKey(entityType, "browsePath", path))
}

// serveFacet answers facet lookups through the tiered response cache.
func (api *apiServer) serveFacet(c *gin.Context, facetKey string) {
	ctx := c.Request.Context()
	cacheKey := "mh:response:" + facetKey
	if cached, value := api.searchCache.GetTiered(ctx, cacheKey); cached {
		c.Data(http.StatusOK, "application/json", value)
		return
	}

	urns, err := api.docs.FacetMembers(ctx, facetKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	body, err := json.Marshal(gin.H{"urns": urns, "total": len(urns)})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	api.searchCache.SetTiered(ctx, cacheKey, body)
	c.Data(http.StatusOK, "application/json", body)
}

func (api *apiServer) neighborsHandler(c *gin.Context) {
	urn, err := datamodel.ParseUrn(c.Param("urn"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outgoing := c.DefaultQuery("direction", "out") != "in"
	edges, err := api.graph.Neighbors(c.Request.Context(), urn, c.Query("relationship"), outgoing)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"urn": urn.String(), "edges": edges})
}

type restoreRequest struct {
	EntityType string `json:"entityType" binding:"required"`
	Aspect     string `json:"aspect" binding:"required"`
}

func (api *apiServer) restoreHandler(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := api.registry.AspectSpec(req.EntityType, req.Aspect); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := api.restorer.Restore(c.Request.Context(), api.runner, req.EntityType, req.Aspect)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "rowsMigrated": result.RowsMigrated})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (api *apiServer) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"store":     api.store.GetMetrics(),
		"processor": api.processor.GetMetrics(),
		"readCache": api.cache.GetMetrics(),
	})
}
