// Command availability-probe calls the scheduling gRPC API the way the conversational
// tool layer does: it prints the open slots for a service and can optionally book the
// first one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/md-rashed-zaman/fieldops/libs/config"
	"github.com/md-rashed-zaman/fieldops/libs/grpcx"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/grpcserver"
)

func main() {
	var (
		addr      = flag.String("addr", config.String("SCHEDULING_GRPC_ADDR", "localhost:9090"), "scheduling-service gRPC address")
		service   = flag.String("service", config.String("SERVICE", "Oil Change"), "service name")
		date      = flag.String("date", config.String("DATE", time.Now().Format("2006-01-02")), "first date (YYYY-MM-DD)")
		endDate   = flag.String("end-date", config.String("END_DATE", ""), "last date (YYYY-MM-DD), optional")
		preferred = flag.String("preferred-provider", config.String("PREFERRED_PROVIDER_ID", ""), "provider to list first")
		book      = flag.Bool("book", false, "book the first slot returned")
		customer  = flag.String("customer", config.String("CUSTOMER_NAME", "Probe Customer"), "customer name used with -book")
		timeout   = flag.Duration("timeout", 10*time.Second, "per-call timeout")
	)
	flag.Parse()

	conn, err := grpcx.Dial(*addr, grpcx.DialOptions{})
	if err != nil {
		fatal(err.Error())
	}
	defer conn.Close()
	client := grpcserver.NewClient(conn)

	req := map[string]any{"service": *service, "date": *date}
	if strings.TrimSpace(*endDate) != "" {
		req["end_date"] = *endDate
	}
	if strings.TrimSpace(*preferred) != "" {
		req["preferred_provider_id"] = *preferred
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := client.GetAvailability(ctx, mustStruct(req))
	if err != nil {
		fatal(describe(err))
	}
	printJSON(resp)

	if !*book {
		return
	}
	slots := resp.GetFields()["slots"].GetListValue().GetValues()
	if len(slots) == 0 {
		fatal("nothing to book")
	}
	first := slots[0].GetStructValue().GetFields()
	times := first["available_times"].GetListValue().GetValues()
	if len(times) == 0 {
		fatal("nothing to book")
	}

	bookCtx, bookCancel := context.WithTimeout(context.Background(), *timeout)
	defer bookCancel()
	booking, err := client.CreateBooking(bookCtx, mustStruct(map[string]any{
		"provider_id":      first["provider_id"].GetStringValue(),
		"customer_name":    *customer,
		"scheduled_start":  times[0].GetStringValue(),
		"duration_minutes": resp.GetFields()["service_duration_minutes"].GetNumberValue(),
		"idempotency_key":  fmt.Sprintf("probe-%d", time.Now().UnixNano()),
	}))
	if err != nil {
		fatal(describe(err))
	}
	printJSON(booking)
}

func mustStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		fatal(err.Error())
	}
	return s
}

func describe(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return err.Error()
	}
	msg := fmt.Sprintf("%s: %s", st.Code(), st.Message())
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			raw, _ := json.Marshal(s.AsMap())
			msg += " " + string(raw)
		}
	}
	return msg
}

func printJSON(s *structpb.Struct) {
	raw, err := json.MarshalIndent(s.AsMap(), "", "  ")
	if err != nil {
		fatal(err.Error())
	}
	fmt.Println(string(raw))
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
