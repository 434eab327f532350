// Package harness runs end-to-end tracking scenarios against an in-process
// storefront.
//
// A scenario drives one browser tab through page loads, data-layer pushes
// and manual triggers. The tracker and the collector gateway run for real;
// only the network is simulated. Requests to the storefront host are served
// by the gateway handler and requests to the partner host are recorded, so
// a scenario can assert on what each side actually sent.
//
// # Scenario Format
//
//	name: partner_purchase
//	description: "Partner click followed by a purchase"
//	config:
//	  gateway: { campaign_code: camp-1 }
//	setup:
//	  - action: session.set
//	    args: { key: promocode, value: SPRING }
//	flow:
//	  - invoke: page.load
//	    args: { url: "https://shop.example.com/?admitad_uid=abc&utm_source=admitad" }
//	    expect:
//	      case: Loaded
//	      result: { candidate: admitad }
//	  - invoke: page.push
//	    args: { event: purchase, ecommerce: { transaction_id: O-1, value: 25 } }
//	assertions:
//	  - type: trace_contains
//	    action: partner.postback
//	    args: { order_id: O-1 }
//	  - type: final_state
//	    table: postbacks
//	    where: { order_id: O-1 }
//	    expect: { status: sent }
//
// The config block is validated against the same schema as a config file.
//
// # Trace
//
// Every step contributes its invocation, then the requests it caused on
// the simulated network, then its completion. Requests within a step are
// ordered by endpoint (init, conversion, pixel, postback) so concurrent
// sends still yield a stable trace. Postback keys are masked.
//
// # Assertion Types
//
//   - trace_contains: a step or request with matching args (subset match)
//   - trace_order: steps or requests appear in the given order
//   - trace_count: a step or request appears exactly N times
//   - final_state: a row of the slots or postbacks table
package harness
