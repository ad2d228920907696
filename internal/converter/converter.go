/*

This file defines the external conversion collaborator. The executor hands it
a net input amount and an asset pair; the implementation moves funds in the
treasury and reports the output amount. The executor deliberately does not
trust the reported amount and measures the escrow's balance delta instead.

*/

package converter

import (
	"context"

	sdkmath "cosmossdk.io/math"
)

// Converter performs one batched conversion against a treasury account.
// Implementations must debit input of assetIn from account and credit the
// produced assetOut to the same account.
type Converter interface {
	Convert(ctx context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error)
}
