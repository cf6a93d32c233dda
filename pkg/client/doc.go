// Package client is the ddosguard Go SDK.
//
// # Scoring a request
//
// A record carries the raw request features the server's schema requires.
// hour_of_day and day_of_week may be omitted when timestamp is present:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.Predict(ctx, map[string]any{
//	    "timestamp":      time.Now().UTC().Format(time.RFC3339),
//	    "source_ip":      "203.0.113.9",
//	    "http_method":    "GET",
//	    "req_rate_1min":  15000,
//	    // ...
//	})
//	fmt.Println(res.IsDDoS, res.Confidence, res.RiskLevel)
//
// A record missing required features fails with an *APIError whose Missing
// field names them:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && len(apiErr.Missing) > 0 {
//	    // fix the record
//	}
//
// # Reading the detection log
//
// The detection endpoints require an admin token, obtained with the
// operator secret:
//
//	if _, _, err := c.AdminToken(ctx, os.Getenv("DDOSGUARD_ADMIN_SECRET")); err != nil {
//	    log.Fatal(err)
//	}
//	recent, err := c.Detections(ctx, client.DetectionFilter{DDoSOnly: true, Limit: 20})
package client
