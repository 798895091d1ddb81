package contracts

// SolidarityEconomyABI is the subset of the SolidarityEconomy payment splitter
// interface the client reads, writes and listens to.
const SolidarityEconomyABI = `[
  {"type":"function","name":"getDescription","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"shares","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getAccountContribution","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"released","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalReleased","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalShares","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"payee","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"makePayment","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"}],"outputs":[]},
  {"type":"event","name":"PaymentReceived","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentReleased","anonymous":false,"inputs":[{"name":"to","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Method and event names used by the gateway.
const (
	MethodGetDescription         = "getDescription"
	MethodShares                 = "shares"
	MethodGetAccountContribution = "getAccountContribution"
	MethodReleased               = "released"
	MethodTotalReleased          = "totalReleased"
	MethodMakePayment            = "makePayment"
	MethodRelease                = "release"

	EventPaymentReceived = "PaymentReceived"
	EventPaymentReleased = "PaymentReleased"
)
