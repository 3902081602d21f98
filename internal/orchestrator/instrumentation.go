package orchestrator

import (
	"time"

	"github.com/akiops/aki-pipeline/internal/metrics"
	"github.com/akiops/aki-pipeline/internal/pager"
	"github.com/akiops/aki-pipeline/pkg/model"
)

func messageTypeLabel(t model.EventType) string {
	switch t {
	case model.EventAdmission:
		return "admission"
	case model.EventDischarge:
		return "discharge"
	case model.EventLabResult:
		return "lab_result"
	case model.EventAck:
		return "ack"
	default:
		return "unknown"
	}
}

func onMessageProcessed(t model.EventType, elapsed time.Duration) {
	label := messageTypeLabel(t)
	metrics.MessagesProcessed.WithLabelValues(label).Inc()
	metrics.ProcessingTime.WithLabelValues(label).Observe(elapsed.Seconds())
}

func onDecodeError() {
	metrics.MessagesProcessed.WithLabelValues("unknown").Inc()
	metrics.RecordError("decode_error", "decoder")
}

func onStorageFault() {
	metrics.RecordError("storage_fault", "database")
}

func onPredictError() {
	metrics.RecordError("predict_error", "ml_inference")
}

func onPrediction(positive bool) {
	metrics.SystemHealth.WithLabelValues("ml_inference").Set(1)
	if positive {
		metrics.PredictionsMade.WithLabelValues("positive").Inc()
		return
	}
	metrics.PredictionsMade.WithLabelValues("negative").Inc()
}

func onPagerOutcome(outcome pager.Outcome) {
	if outcome == pager.Success {
		metrics.PagerRequests.WithLabelValues("success").Inc()
		return
	}
	metrics.PagerRequests.WithLabelValues("error").Inc()
}

func onSocketTimeout() {
	metrics.SocketTimeouts.Inc()
}
