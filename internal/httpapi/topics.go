package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carewire/carewire/internal/fhirdoc"
	"github.com/carewire/carewire/internal/topic"
)

type topicHandler struct {
	server *Server
}

// Create registers an authored topic document. All three authored shapes are
// accepted; the response is the normalized definition.
func (h *topicHandler) Create(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := c.Bind(&doc); err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("request body is not a JSON document", ""))
	}
	def, err := topic.LoadDefinition(doc)
	if err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), "SubscriptionTopic"))
	}
	if _, err := eng.Topics.Register(def); err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), "SubscriptionTopic"))
	}
	return c.JSON(http.StatusCreated, def)
}

// List returns registered topic definitions; ?url= narrows to one canonical
// URL.
func (h *topicHandler) List(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	if url := c.QueryParam("url"); url != "" {
		t, ok := eng.Topics.Get(url)
		if !ok {
			return outcomeJSON(c, http.StatusNotFound, fhirdoc.NewOutcome(
				fhirdoc.SeverityError, fhirdoc.IssueNotFound, "no topic registered at "+url))
		}
		return c.JSON(http.StatusOK, t.Definition)
	}

	all := eng.Topics.All()
	defs := make([]topic.Definition, 0, len(all))
	for _, t := range all {
		defs = append(defs, t.Definition)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":  len(defs),
		"topics": defs,
	})
}
