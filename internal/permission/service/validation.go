package service

import (
	"fmt"
	"time"

	"consentgrid/internal/permission/models"
)

const (
	attrDataNeedID      = "dataNeedId"
	attrGranularity     = "granularity"
	attrStart           = "start"
	attrEnd             = "end"
	attrMeteringPointID = "meteringPointId"
)

// validated is the outcome of checking a creation request against its data
// need and connector.
type validated struct {
	start       time.Time
	end         *time.Time // nil for an open-ended window
	granularity models.Granularity
	errors      []models.AttributeError
}

func validate(req CreateRequest, need models.DataNeed, found bool) validated {
	var v validated
	add := func(attr, msg string) {
		v.errors = append(v.errors, models.AttributeError{Attribute: attr, Message: msg})
	}

	switch {
	case !found:
		add(attrDataNeedID, "Unknown DataNeed")
	case !need.Enabled:
		add(attrDataNeedID, "DataNeed is disabled")
	}

	v.granularity = req.Granularity
	if v.granularity == "" && found && len(need.Granularities) > 0 {
		v.granularity = need.Granularities[0]
	}
	switch {
	case v.granularity == "":
		add(attrGranularity, "granularity is required")
	case !v.granularity.IsValid():
		add(attrGranularity, fmt.Sprintf("unsupported granularity %q", v.granularity))
	case found && !need.Allows(v.granularity):
		add(attrGranularity, fmt.Sprintf("granularity %s is not allowed by the data need", v.granularity))
	}

	if req.MeteringPointID == "" {
		add(attrMeteringPointID, "meteringPointId is required")
	}

	if req.Start == nil {
		add(attrStart, "start is required")
		return v
	}
	v.start = *req.Start
	if req.End == nil {
		if found && need.MaxDuration > 0 {
			add(attrEnd, "end is required by the data need")
		}
		return v
	}
	end := *req.End
	v.end = &end
	if !v.start.Before(end) {
		add(attrEnd, "end must be after start")
		return v
	}
	if found && need.MaxDuration > 0 && end.Sub(v.start) > need.MaxDuration {
		add(attrEnd, fmt.Sprintf("requested window exceeds the data need maximum of %s", need.MaxDuration))
	}
	return v
}
