// publish-fiscal-event feeds the pipeline the same message upstream
// services publish on the fiscal events topic. Meant for the Pub/Sub
// emulator and staging smoke tests.
//
// Usage:
//
//	PUBSUB_PROJECT_ID=... PUBSUB_FISCAL_EVENT_TOPIC=... go run ./cmd/publish-fiscal-event \
//	  -business-id biz-1 -branch-id 3 -reference-type ORDER -reference-id 42 \
//	  -payload '{"currency":"EUR","gross_amount":"12.50","tax_amount":"2.38"}'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
)

func main() {
	businessId := flag.String("business-id", "", "tenant the event belongs to")
	branchId := flag.Int("branch-id", 0, "branch the event originated from")
	referenceType := flag.String("reference-type", "ORDER", "ORDER, REFUND or DAILY_CLOSING")
	referenceId := flag.Int("reference-id", 0, "id of the referenced row")
	payload := flag.String("payload", "", "JSON payload carrying currency and amounts")
	correlationId := flag.String("correlation-id", "", "correlation id to carry through the pipeline")
	flag.Parse()

	if *businessId == "" || *referenceId <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	msg := config.FiscalEventMessage{
		BusinessId:    *businessId,
		BranchId:      *branchId,
		ReferenceType: *referenceType,
		ReferenceId:   *referenceId,
		OccurredAt:    time.Now().UTC(),
		CorrelationId: *correlationId,
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			fmt.Fprintln(os.Stderr, "payload must be valid JSON")
			os.Exit(2)
		}
		msg.Payload = json.RawMessage(*payload)
	}

	if err := config.PublishFiscalEvent(msg); err != nil {
		fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("published fiscal event (business_id=%s reference_type=%s reference_id=%d)\n",
		*businessId, *referenceType, *referenceId)
}
