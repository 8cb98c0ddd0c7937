package feed

// SampleSource is the static source name used when no live connection
// capability is available.
const SampleSource = "sample"

// samplePrices is a fixed snapshot covering enough pairs for triangle
// detection without connectivity.
var samplePrices = map[string]float64{
	"BTC/USDT": 45000.0,
	"ETH/USDT": 2700.0,
	"ETH/BTC":  0.06,
	"BNB/USDT": 320.0,
	"BNB/BTC":  0.0071,
	"SOL/USDT": 110.0,
	"SOL/BTC":  0.00244,
	"XRP/USDT": 0.52,
	"XRP/BTC":  0.0000115,
	"ADA/USDT": 0.45,
	"ADA/BTC":  0.00001,
	"ETH/BNB":  8.44,
}

// LoadSample publishes the one-shot static snapshot into the feed.
func LoadSample(f *PriceFeed) {
	f.Update(SampleSource, samplePrices)
}
