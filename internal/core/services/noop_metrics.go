package services

import (
	"time"

	"callmesh/internal/core/domain"
)

type noopMetrics struct{}

func (noopMetrics) RecordStage(domain.CallStage) {}
func (noopMetrics) RecordLinkState(domain.ConnectionState) {}
func (noopMetrics) RecordNegotiation(time.Duration) {}
func (noopMetrics) RecordNegotiationTimeout() {}
func (noopMetrics) RecordSignalingFailure(domain.MessageType) {}
func (noopMetrics) RecordMediaAccessFailure(domain.MediaAccessReason) {}
func (noopMetrics) RecordLinkStats(domain.LinkStats) {}
