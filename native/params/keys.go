package params

const (
	// ParamsKeyPauses stores the module pause configuration.
	ParamsKeyPauses = "system/pauses"
	// ParamsKeyAssetPrefix prefixes the per-asset risk parameters.
	ParamsKeyAssetPrefix = "cdp/asset/"
)

func assetKey(asset string) string {
	return ParamsKeyAssetPrefix + asset
}
